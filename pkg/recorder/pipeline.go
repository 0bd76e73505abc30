// Package recorder implements a real-time raw-media encode pipeline: raw
// video frames (and optionally raw audio chunks) are pushed by the producer,
// encoded and multiplexed off the producer's goroutine, and end up as an
// MP4 (or fragmented MP4) file on disk.
package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/rawrec/pkg/framepool"
)

// Pipeline is the lifecycle coordinator of the whole encode chain. It owns
// the buffer pools, the per-stream encode stages and the mux stage, and it
// is the only entity that transitions the lifecycle state.
//
// A Pipeline records at most once: New -> Start -> (Submit*)* -> Stop/
// HardStop -> Wait -> Close. Close must always be called, it releases the
// native codec and container resources.
type Pipeline struct {
	cfg Config

	locker       xsync.Mutex
	state        atomic.Int32
	faulted      atomic.Bool
	muxBroken    atomic.Bool
	hardStopFlag atomic.Bool

	videoPool *framepool.Pool
	audioPool *framepool.Pool

	videoEncoder *videoEncoder
	audioEncoder *audioEncoder
	mux          *muxer

	videoStage *encodeStage
	audioStage *encodeStage
	muxStage   *muxStage

	faultChan   chan Fault
	stoppedChan chan struct{}
	stoppedOnce sync.Once
	result      error
	resultOnce  sync.Once
	freeOnce    sync.Once

	stats CommonsStatistics
}

// New validates the configuration and opens the codecs. Every
// configuration problem surfaces here, synchronously; a returned Pipeline
// is in the created state and ready to Start.
func New(ctx context.Context, cfg Config) (_ret *Pipeline, _err error) {
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v", _err) }()

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pipeline{
		cfg:         cfg,
		faultChan:   make(chan Fault, 3),
		stoppedChan: make(chan struct{}),
	}

	videoEncoder, err := newVideoEncoder(ctx, cfg.Video, cfg.Profiling, &p.stats.Video)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the video encoder: %w", err)
	}
	p.videoEncoder = videoEncoder

	pixFmt, _ := pixelFormatFromName(cfg.Video.PixelFormat)
	p.videoPool = framepool.New(
		videoBufferSize(pixFmt, cfg.Video.Width, cfg.Video.Height),
		cfg.Video.PoolDepth,
	)

	if cfg.Audio != nil {
		audioEncoder, err := newAudioEncoder(ctx, *cfg.Audio, cfg.Profiling, &p.stats.Audio)
		if err != nil {
			p.videoEncoder.Close()
			return nil, fmt.Errorf("unable to initialize the audio encoder: %w", err)
		}
		p.audioEncoder = audioEncoder
		p.audioPool = framepool.New(audioEncoder.BufferSize(), cfg.Audio.PoolDepth)
	}

	return p, nil
}

// Start opens the destination file, writes the container header and starts
// the stage workers. An I/O failure here leaves the pipeline in the created
// state: nothing was started, nothing needs to be stopped.
func (p *Pipeline) Start(ctx context.Context, path string) (_err error) {
	logger.Debugf(ctx, "Start('%s')", path)
	defer func() { logger.Debugf(ctx, "/Start('%s'): %v", path, _err) }()

	var err error
	p.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		err = p.startLocked(ctx, path)
	})
	return err
}

func (p *Pipeline) startLocked(ctx context.Context, path string) error {
	if state := p.GetState(); state != StateCreated {
		return fmt.Errorf("cannot start: the pipeline is already %s", state)
	}

	mux, err := newMuxer(ctx, path, p.cfg.Fragmented, &p.stats)
	if err != nil {
		return err
	}

	videoStream, err := mux.newStream(ctx, p.videoEncoder.codecContext())
	if err != nil {
		mux.Close()
		return err
	}
	p.videoEncoder.bindStream(videoStream)

	if p.audioEncoder != nil {
		audioStream, err := mux.newStream(ctx, p.audioEncoder.codecContext())
		if err != nil {
			mux.Close()
			return err
		}
		p.audioEncoder.bindStream(audioStream)
	}

	if err := mux.writeHeader(ctx); err != nil {
		mux.Close()
		return err
	}

	p.mux = mux
	p.muxStage = newMuxStage(p.cfg.MuxQueueLength, mux, &p.stats, &p.hardStopFlag, p.reportFault)
	p.videoStage = newEncodeStage(
		StageVideo, p.cfg.Video.QueueLength,
		p.videoPool, p.videoEncoder, &p.stats.Video,
		&p.hardStopFlag, p.muxStage.emit, p.reportFault,
	)
	if p.audioEncoder != nil {
		p.audioStage = newEncodeStage(
			StageAudio, p.cfg.Audio.QueueLength,
			p.audioPool, p.audioEncoder, &p.stats.Audio,
			&p.hardStopFlag, p.muxStage.emit, p.reportFault,
		)
	}

	p.state.Store(int32(StateRunning))
	observability.Go(ctx, p.videoStage.loop)
	if p.audioStage != nil {
		observability.Go(ctx, p.audioStage.loop)
	}
	observability.Go(ctx, p.muxStage.loop)
	return nil
}

// AcquireVideoBuffer leases a raw video buffer from the pool; nil means all
// buffers are currently in flight and the producer should drop this frame.
func (p *Pipeline) AcquireVideoBuffer() []byte {
	return p.videoPool.Acquire()
}

// ReleaseVideoBuffer hands a leased buffer back without submitting it.
func (p *Pipeline) ReleaseVideoBuffer(buf []byte) {
	p.videoPool.Release(buf)
}

func (p *Pipeline) AcquireAudioBuffer() []byte {
	if p.audioPool == nil {
		panic("the pipeline was created without an audio track")
	}
	return p.audioPool.Acquire()
}

func (p *Pipeline) ReleaseAudioBuffer(buf []byte) {
	if p.audioPool == nil {
		panic("the pipeline was created without an audio track")
	}
	p.audioPool.Release(buf)
}

// VideoBufferSize is the exact size of one raw video unit in bytes.
func (p *Pipeline) VideoBufferSize() int {
	return p.videoPool.BufferSize()
}

// AudioBufferSize is the exact size of one raw audio unit in bytes: the
// codec's samples-per-frame times channels times bytes-per-sample.
func (p *Pipeline) AudioBufferSize() int {
	if p.audioEncoder == nil {
		panic("the pipeline was created without an audio track")
	}
	return p.audioEncoder.BufferSize()
}

// intakeCtx is what the submit hot path hands to the locker: no logging and
// no per-call allocation.
var intakeCtx = xsync.WithNoLogging(context.Background(), true)

// SubmitVideo hands one leased raw frame to the video stage. The stage (or
// the teardown) releases the buffer back to the pool. Returns false without
// consuming the buffer when the pipeline does not accept work (not running,
// or a stop is already in flight).
//
// The state check and the enqueue happen under a read lock: the stop path
// transitions the state under the write lock before it ever drains the
// queues, so a unit that made it past the check cannot land in a queue
// nobody will flush.
//
// The content of the buffer is not validated; garbage in produces garbage
// out, at full speed.
func (p *Pipeline) SubmitVideo(raw []byte) bool {
	return xsync.RDoR1(intakeCtx, &p.locker, func() bool {
		switch state := p.GetState(); state {
		case StateRunning:
		case StateStopped:
			panic("a raw unit was submitted into a pipeline that is already stopped")
		default:
			return false
		}
		return p.videoStage.submit(raw)
	})
}

// SubmitAudio is SubmitVideo for the audio track; the buffer must carry
// exactly AudioBufferSize() bytes of samples.
func (p *Pipeline) SubmitAudio(raw []byte) bool {
	if p.audioPool == nil {
		panic("the pipeline was created without an audio track")
	}
	return xsync.RDoR1(intakeCtx, &p.locker, func() bool {
		switch state := p.GetState(); state {
		case StateRunning:
		case StateStopped:
			panic("a raw unit was submitted into a pipeline that is already stopped")
		default:
			return false
		}
		return p.audioStage.submit(raw)
	})
}

// Stop initiates a graceful stop: everything already submitted is encoded,
// the codecs are flushed and the container is finalized. It returns
// immediately; use Wait for the completion (and the resulting error).
func (p *Pipeline) Stop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Stop")
	defer func() { logger.Debugf(ctx, "/Stop: %v", _err) }()

	var err error
	p.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		switch state := p.GetState(); state {
		case StateRunning:
			p.state.Store(int32(StateStopping))
			observability.Go(ctx, func(ctx context.Context) {
				p.stopAndFinalize(ctx, false)
			})
		case StateStopping:
			// a stop is already in flight, nothing to do
		default:
			err = fmt.Errorf("cannot stop: the pipeline is %s", state)
		}
	})
	return err
}

// HardStop abandons everything that is still queued (the already-written
// packets stay, the trailer is still written) and stops. Called while a
// graceful stop is in flight it escalates that stop instead of starting a
// new one.
func (p *Pipeline) HardStop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "HardStop")
	defer func() { logger.Debugf(ctx, "/HardStop: %v", _err) }()

	p.hardStopFlag.Store(true)

	var err error
	p.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		switch state := p.GetState(); state {
		case StateRunning:
			p.state.Store(int32(StateStopping))
			observability.Go(ctx, func(ctx context.Context) {
				p.stopAndFinalize(ctx, false)
			})
		case StateStopping:
			// the flag above escalates the stop that is already in flight
		default:
			err = fmt.Errorf("cannot stop: the pipeline is %s", state)
		}
	})
	return err
}

// stopAndFinalize is the single join point of all the stop tiers. It is
// entered at most once: the transition into the stopping state happens
// under the locker.
func (p *Pipeline) stopAndFinalize(ctx context.Context, force bool) {
	logger.Debugf(ctx, "stopAndFinalize(force: %t)", force)
	defer logger.Debugf(ctx, "/stopAndFinalize(force: %t)", force)

	p.videoStage.stop()
	if p.audioStage != nil {
		p.audioStage.stop()
	}
	<-p.videoStage.doneChan
	if p.audioStage != nil {
		<-p.audioStage.doneChan
	}

	p.muxStage.stop()
	<-p.muxStage.doneChan

	p.videoStage.flushQueue(ctx)
	if p.audioStage != nil {
		p.audioStage.flushQueue(ctx)
	}
	p.muxStage.flushQueue(ctx)

	if err := p.muxStage.sink.finalize(ctx); err != nil {
		if force || p.muxBroken.Load() {
			logger.Errorf(ctx, "unable to finalize the container: %v", err)
		} else {
			p.setResult(fmt.Errorf("unable to finalize the container: %w", err))
		}
	}

	p.markStopped()
}

// Close force-stops the pipeline synchronously and releases every native
// resource. The trailer is still attempted, best-effort; all the errors on
// this path are logged and swallowed. Close is idempotent and is a cheap
// no-op on a pipeline that was never started.
func (p *Pipeline) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()

	p.hardStopFlag.Store(true)

	var neverStarted, doStop bool
	p.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		switch p.GetState() {
		case StateCreated:
			neverStarted = true
			p.state.Store(int32(StateStopped))
		case StateRunning:
			p.state.Store(int32(StateStopping))
			doStop = true
		}
	})

	if neverStarted {
		p.markStopped()
		p.freeResources(ctx)
		return nil
	}

	if doStop {
		p.stopAndFinalize(ctx, true)
	}
	<-p.stoppedChan
	p.freeResources(ctx)
	return nil
}

func (p *Pipeline) freeResources(ctx context.Context) {
	p.freeOnce.Do(func() {
		logger.Debugf(ctx, "freeResources")
		defer logger.Debugf(ctx, "/freeResources")

		var mErr *multierror.Error
		if p.mux != nil {
			mErr = multierror.Append(mErr, p.mux.Close())
		}
		if p.audioEncoder != nil {
			mErr = multierror.Append(mErr, p.audioEncoder.Close())
		}
		if p.videoEncoder != nil {
			mErr = multierror.Append(mErr, p.videoEncoder.Close())
		}
		if err := mErr.ErrorOrNil(); err != nil {
			logger.Errorf(ctx, "unable to release some of the resources: %v", err)
		}
	})
}

// reportFault is invoked by a stage right before it exits on an error. An
// encoder fault escalates to a hard stop (the file is still finalized), a
// mux fault makes the finalization best-effort.
func (p *Pipeline) reportFault(ctx context.Context, stage Stage, err error) {
	logger.Errorf(ctx, "the %s stage faulted: %v", stage, err)

	p.faulted.Store(true)
	if stage == StageMux {
		p.muxBroken.Store(true)
	}
	p.hardStopFlag.Store(true)
	p.setResult(fmt.Errorf("the %s stage faulted: %w", stage, err))

	select {
	case p.faultChan <- Fault{Stage: stage, Err: err, Stopped: p.stoppedChan}:
	default:
	}

	p.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		if p.GetState() == StateRunning {
			p.state.Store(int32(StateStopping))
			observability.Go(ctx, func(ctx context.Context) {
				p.stopAndFinalize(ctx, false)
			})
		}
	})
}

// Faults delivers at most one Fault per stage. Consuming it is optional:
// the channel is buffered and a faulted pipeline stops itself either way.
func (p *Pipeline) Faults() <-chan Fault {
	return p.faultChan
}

// Wait blocks until the pipeline has fully stopped (by any stop tier or by
// a fault) and returns the terminal error, if any.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stoppedChan:
	}
	return p.result
}

func (p *Pipeline) GetState() State {
	return State(p.state.Load())
}

func (p *Pipeline) IsFaulted() bool {
	return p.faulted.Load()
}

func (p *Pipeline) GetStats() *Statistics {
	return ptr(p.stats.Convert())
}

func (p *Pipeline) setResult(err error) {
	p.resultOnce.Do(func() {
		p.result = err
	})
}

func (p *Pipeline) markStopped() {
	p.stoppedOnce.Do(func() {
		p.state.Store(int32(StateStopped))
		close(p.stoppedChan)
	})
}
