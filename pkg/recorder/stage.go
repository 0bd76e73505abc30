package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/xaionaro-go/rawrec/pkg/framepool"
)

// rawEncoder turns one raw unit into zero or more compressed packets; Drain
// flushes whatever the codec is still holding back. Implemented by
// videoEncoder and audioEncoder; tests substitute their own.
//
// Encode must invoke release as soon as it has copied the raw bytes out
// (after the scale/convert step): from that point on the producer may reuse
// the buffer while the actual encode is still running.
type rawEncoder interface {
	Encode(ctx context.Context, raw []byte, release func(), emit func(*EncoderOutput) error) error
	Drain(ctx context.Context, emit func(*EncoderOutput) error) error
}

// errMuxGone is returned by the emit callback when the mux stage has already
// exited; it makes the encode stage finish silently instead of reporting a
// fault of its own on top of the mux one.
var errMuxGone = errors.New("the mux stage is gone")

// encodeStage is one single-goroutine encode worker together with its work
// queue. The queue is a buffered channel: it both carries the raw units and
// counts them, so the worker sleeps exactly when there is nothing to do.
type encodeStage struct {
	name     Stage
	queue    chan []byte
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	pool     *framepool.Pool
	encoder  rawEncoder
	stats    *CommonsStreamStatistics
	hardStop *atomic.Bool

	emit        func(*EncoderOutput) error
	reportFault func(context.Context, Stage, error)
}

func newEncodeStage(
	name Stage,
	queueLength int,
	pool *framepool.Pool,
	encoder rawEncoder,
	stats *CommonsStreamStatistics,
	hardStop *atomic.Bool,
	emit func(*EncoderOutput) error,
	reportFault func(context.Context, Stage, error),
) *encodeStage {
	return &encodeStage{
		name:        name,
		queue:       make(chan []byte, queueLength),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		pool:        pool,
		encoder:     encoder,
		stats:       stats,
		hardStop:    hardStop,
		emit:        emit,
		reportFault: reportFault,
	}
}

// submit enqueues one raw unit; the stage takes over the ownership of the
// buffer. Returns false (and leaves the ownership with the caller) when the
// queue is full.
func (s *encodeStage) submit(raw []byte) bool {
	select {
	case s.queue <- raw:
		s.stats.UnitsSubmitted.Add(1)
		updateMax(&s.stats.QueueDepthMax, uint64(len(s.queue)))
		return true
	default:
		s.stats.UnitsDropped.Add(1)
		return false
	}
}

func (s *encodeStage) stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *encodeStage) loop(ctx context.Context) {
	logger.Debugf(ctx, "encodeLoop[%s]", s.name)
	defer logger.Debugf(ctx, "/encodeLoop[%s]", s.name)
	defer close(s.doneChan)

	for {
		select {
		case raw := <-s.queue:
			if s.hardStop.Load() {
				s.pool.Release(raw)
				return
			}
			if !s.encodeOne(ctx, raw) {
				return
			}
		case <-s.stopChan:
			s.drainAndFlush(ctx)
			return
		}
	}
}

// drainAndFlush finishes a graceful stop: it empties the queue and then
// flushes the codec. An escalation to a hard stop is honored between units.
func (s *encodeStage) drainAndFlush(ctx context.Context) {
	for {
		if s.hardStop.Load() {
			return
		}
		select {
		case raw := <-s.queue:
			if !s.encodeOne(ctx, raw) {
				return
			}
		default:
			if err := s.encoder.Drain(ctx, s.emit); err != nil && !errors.Is(err, errMuxGone) {
				s.reportFault(ctx, s.name, err)
			}
			return
		}
	}
}

func (s *encodeStage) encodeOne(ctx context.Context, raw []byte) bool {
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		s.pool.Release(raw)
	}
	err := s.encoder.Encode(ctx, raw, release, s.emit)
	// covers the paths that errored out before the encoder let go of the
	// buffer itself
	release()
	switch {
	case err == nil:
		s.stats.UnitsEncoded.Add(1)
		return true
	case errors.Is(err, errMuxGone):
		return false
	default:
		s.reportFault(ctx, s.name, err)
		return false
	}
}

// flushQueue releases the raw units a stopped stage never got to; it must
// be called only after the worker goroutine has exited.
func (s *encodeStage) flushQueue(ctx context.Context) {
	logger.Debugf(ctx, "flushing the %s queue", s.name)
	defer logger.Tracef(ctx, "/flushing the %s queue", s.name)
	for {
		select {
		case raw := <-s.queue:
			s.pool.Release(raw)
		default:
			return
		}
	}
}

// muxStage is the single worker that feeds the container writer. It takes
// packets from both encode stages through one queue and writes them in
// arrival order.
type muxStage struct {
	queue    chan *EncoderOutput
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	sink     muxSink
	stats    *CommonsStatistics
	hardStop *atomic.Bool

	reportFault func(context.Context, Stage, error)
}

func newMuxStage(
	queueLength int,
	sink muxSink,
	stats *CommonsStatistics,
	hardStop *atomic.Bool,
	reportFault func(context.Context, Stage, error),
) *muxStage {
	return &muxStage{
		queue:       make(chan *EncoderOutput, queueLength),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		sink:        sink,
		stats:       stats,
		hardStop:    hardStop,
		reportFault: reportFault,
	}
}

// emit blocks until the packet is queued; it gives up only when the mux
// worker is gone, so the encode stages cannot deadlock on a dead consumer.
func (s *muxStage) emit(item *EncoderOutput) error {
	select {
	case s.queue <- item:
		updateMax(&s.stats.MuxQueueDepthMax, uint64(len(s.queue)))
		return nil
	case <-s.doneChan:
		return errMuxGone
	}
}

func (s *muxStage) stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *muxStage) loop(ctx context.Context) {
	logger.Debugf(ctx, "muxLoop")
	defer logger.Debugf(ctx, "/muxLoop")
	defer close(s.doneChan)

	for {
		select {
		case item := <-s.queue:
			if s.hardStop.Load() {
				packetPool.Put(item.Packet)
				return
			}
			if !s.writeOne(ctx, item) {
				return
			}
		case <-s.stopChan:
			for {
				if s.hardStop.Load() {
					return
				}
				select {
				case item := <-s.queue:
					if !s.writeOne(ctx, item) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *muxStage) writeOne(ctx context.Context, item *EncoderOutput) bool {
	err := s.sink.writePacket(ctx, item)
	packetPool.Put(item.Packet)
	item.Packet = nil
	if err != nil {
		s.reportFault(ctx, StageMux, err)
		return false
	}
	return true
}

// flushQueue returns the leftover packets to the pool after the worker has
// exited.
func (s *muxStage) flushQueue(ctx context.Context) {
	logger.Debugf(ctx, "flushing the mux queue")
	defer logger.Tracef(ctx, "/flushing the mux queue")
	for {
		select {
		case item := <-s.queue:
			packetPool.Put(item.Packet)
			item.Packet = nil
		default:
			return
		}
	}
}
