package recorder

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/observability"

	"github.com/xaionaro-go/rawrec/pkg/framepool"
)

func testContext(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelDebug)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { belt.Flush(ctx) })
	return ctx
}

// fakeEncoder emits one packet per raw unit, with the pts counting up and
// the stream index tagging which track it belongs to. Like the real
// encoders it hands the raw buffer back before "encoding"; a non-nil
// blockAfterRelease makes it park there until the channel is closed.
type fakeEncoder struct {
	streamIndex       int
	encodeDelay       time.Duration
	failOnUnit        int
	blockAfterRelease chan struct{}

	unitsEncoded atomic.Int64
	drained      atomic.Bool
}

var _ rawEncoder = (*fakeEncoder)(nil)

func (e *fakeEncoder) Encode(
	ctx context.Context,
	raw []byte,
	release func(),
	emit func(*EncoderOutput) error,
) error {
	if e.encodeDelay > 0 {
		time.Sleep(e.encodeDelay)
	}
	n := e.unitsEncoded.Add(1)
	if e.failOnUnit > 0 && int(n) >= e.failOnUnit {
		return errors.New("the codec rejected the frame")
	}
	release()
	if e.blockAfterRelease != nil {
		<-e.blockAfterRelease
	}
	packet := packetPool.Get()
	packet.SetStreamIndex(e.streamIndex)
	packet.SetPts(n)
	packet.SetDts(n)
	return emit(&EncoderOutput{Packet: packet})
}

func (e *fakeEncoder) Drain(
	ctx context.Context,
	emit func(*EncoderOutput) error,
) error {
	e.drained.Store(true)
	return nil
}

type writtenPacket struct {
	streamIndex int
	pts         int64
}

type fakeSink struct {
	failOnPacket    int
	finalizeBarrier chan struct{}

	locker       sync.Mutex
	written      []writtenPacket
	finalizeDone atomic.Bool
	finalizeErr  error
}

var _ muxSink = (*fakeSink)(nil)

func (s *fakeSink) writePacket(ctx context.Context, item *EncoderOutput) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.failOnPacket > 0 && len(s.written)+1 >= s.failOnPacket {
		return errors.New("the destination rejected the packet")
	}
	s.written = append(s.written, writtenPacket{
		streamIndex: item.Packet.StreamIndex(),
		pts:         item.Packet.Pts(),
	})
	return nil
}

func (s *fakeSink) finalize(ctx context.Context) error {
	if s.finalizeBarrier != nil {
		<-s.finalizeBarrier
	}
	s.finalizeDone.Store(true)
	return s.finalizeErr
}

func (s *fakeSink) writtenPackets() []writtenPacket {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]writtenPacket(nil), s.written...)
}

// newFakePipeline assembles a running Pipeline around fake stages, the same
// way Start wires the real ones.
func newFakePipeline(
	ctx context.Context,
	videoEncoder rawEncoder,
	audioEncoder rawEncoder,
	sink muxSink,
	poolDepth int,
) *Pipeline {
	p := &Pipeline{
		faultChan:   make(chan Fault, 3),
		stoppedChan: make(chan struct{}),
	}
	p.videoPool = framepool.New(16, poolDepth)
	p.muxStage = newMuxStage(DefaultMuxQueueLength, sink, &p.stats, &p.hardStopFlag, p.reportFault)
	p.videoStage = newEncodeStage(
		StageVideo, poolDepth*2,
		p.videoPool, videoEncoder, &p.stats.Video,
		&p.hardStopFlag, p.muxStage.emit, p.reportFault,
	)
	if audioEncoder != nil {
		p.audioPool = framepool.New(16, poolDepth)
		p.audioStage = newEncodeStage(
			StageAudio, poolDepth*2,
			p.audioPool, audioEncoder, &p.stats.Audio,
			&p.hardStopFlag, p.muxStage.emit, p.reportFault,
		)
	}
	p.state.Store(int32(StateRunning))
	observability.Go(ctx, p.videoStage.loop)
	if p.audioStage != nil {
		observability.Go(ctx, p.audioStage.loop)
	}
	observability.Go(ctx, p.muxStage.loop)
	return p
}

func submitVideoUnits(t *testing.T, p *Pipeline, count int) {
	for i := 0; i < count; i++ {
		for {
			buf := p.AcquireVideoBuffer()
			if buf != nil {
				require.True(t, p.SubmitVideo(buf))
				break
			}
			runtime.Gosched()
		}
	}
}

func TestGracefulStopEncodesEverything(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 8)

	submitVideoUnits(t, p, 50)
	require.NoError(t, p.Stop(ctx))

	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))

	assert.Equal(t, StateStopped, p.GetState())
	assert.EqualValues(t, 50, videoEncoder.unitsEncoded.Load())
	assert.True(t, videoEncoder.drained.Load())
	assert.True(t, sink.finalizeDone.Load())

	written := sink.writtenPackets()
	require.Len(t, written, 50)
	for i := 1; i < len(written); i++ {
		assert.Less(t, written[i-1].pts, written[i].pts)
	}

	stats := p.GetStats()
	assert.EqualValues(t, 50, stats.Video.UnitsSubmitted)
	assert.EqualValues(t, 50, stats.Video.UnitsEncoded)
	assert.EqualValues(t, 0, p.videoPool.Outstanding())
}

func TestArrivalOrderIsKeptPerStream(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0}
	audioEncoder := &fakeEncoder{streamIndex: 1}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, audioEncoder, sink, 8)

	for i := 0; i < 30; i++ {
		submitVideoUnits(t, p, 1)
		for {
			buf := p.AcquireAudioBuffer()
			if buf != nil {
				require.True(t, p.SubmitAudio(buf))
				break
			}
			runtime.Gosched()
		}
	}
	require.NoError(t, p.Stop(ctx))

	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))

	lastPts := map[int]int64{}
	written := sink.writtenPackets()
	require.Len(t, written, 60)
	for _, pkt := range written {
		if last, ok := lastPts[pkt.streamIndex]; ok {
			assert.Less(t, last, pkt.pts)
		}
		lastPts[pkt.streamIndex] = pkt.pts
	}
}

func TestHardStopAbandonsTheBacklog(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0, encodeDelay: 50 * time.Millisecond}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 10)

	submitVideoUnits(t, p, 10)
	time.Sleep(70 * time.Millisecond)
	require.NoError(t, p.HardStop(ctx))

	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))

	assert.Equal(t, StateStopped, p.GetState())
	assert.Less(t, int(videoEncoder.unitsEncoded.Load()), 10)
	assert.False(t, videoEncoder.drained.Load())
	// the container is still finalized, the file stays playable
	assert.True(t, sink.finalizeDone.Load())
}

func TestHardStopEscalatesAGracefulStopInFlight(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0, encodeDelay: 50 * time.Millisecond}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 10)

	submitVideoUnits(t, p, 10)
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.HardStop(ctx))

	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))
	assert.Less(t, int(videoEncoder.unitsEncoded.Load()), 10)
}

func TestVideoFaultStopsThePipeline(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0, failOnUnit: 3}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 8)

	submitVideoUnits(t, p, 5)

	select {
	case fault := <-p.Faults():
		assert.Equal(t, StageVideo, fault.Stage)
		require.Error(t, fault.Err)
		select {
		case <-fault.Stopped:
		case <-time.After(10 * time.Second):
			t.Fatal("the pipeline did not stop after the fault")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no fault was reported")
	}

	assert.Equal(t, StateStopped, p.GetState())
	assert.True(t, p.IsFaulted())

	waitCtx, cancelFn := context.WithTimeout(ctx, time.Second)
	defer cancelFn()
	err := p.Wait(waitCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video")
}

func TestMuxFaultForcesAnImmediateStop(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0}
	sink := &fakeSink{failOnPacket: 1}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 8)

	submitVideoUnits(t, p, 3)

	select {
	case fault := <-p.Faults():
		assert.Equal(t, StageMux, fault.Stage)
		select {
		case <-fault.Stopped:
		case <-time.After(10 * time.Second):
			t.Fatal("the pipeline did not stop after the fault")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no fault was reported")
	}

	waitCtx, cancelFn := context.WithTimeout(ctx, time.Second)
	defer cancelFn()
	err := p.Wait(waitCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mux")
}

func TestSubmitIsRejectedWhileStopping(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0, encodeDelay: 50 * time.Millisecond}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 8)

	submitVideoUnits(t, p, 3)
	require.NoError(t, p.Stop(ctx))

	buf := make([]byte, 16)
	assert.False(t, p.SubmitVideo(buf))

	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))

	assert.Panics(t, func() {
		p.SubmitVideo(buf)
	})
}

func TestCloseOnANeverStartedPipelineIsANoOp(t *testing.T) {
	ctx := testContext(t)
	p := &Pipeline{
		faultChan:   make(chan Fault, 3),
		stoppedChan: make(chan struct{}),
	}
	p.videoPool = framepool.New(16, 8)

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, StateStopped, p.GetState())
	require.NoError(t, p.Close(ctx))

	waitCtx, cancelFn := context.WithTimeout(ctx, time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))
}

func TestCloseJoinsARunningPipeline(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0, encodeDelay: 20 * time.Millisecond}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 8)

	submitVideoUnits(t, p, 5)
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, StateStopped, p.GetState())
	assert.True(t, sink.finalizeDone.Load())
	require.NoError(t, p.Close(ctx))
}

func TestTheBufferLeaseEndsBeforeTheEncode(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0, blockAfterRelease: make(chan struct{})}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 1)

	submitVideoUnits(t, p, 1)

	// the worker is now parked inside the encode, past the point where it
	// must have handed the only buffer back to the pool
	var buf []byte
	require.Eventually(t, func() bool {
		buf = p.AcquireVideoBuffer()
		return buf != nil
	}, 10*time.Second, time.Millisecond)
	p.ReleaseVideoBuffer(buf)

	close(videoEncoder.blockAfterRelease)
	require.NoError(t, p.Stop(ctx))
	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))
	assert.EqualValues(t, 0, p.videoPool.Outstanding())
}

func TestASubmitRacingAStopDoesNotStrandItsBuffer(t *testing.T) {
	ctx := testContext(t)
	for i := 0; i < 10; i++ {
		videoEncoder := &fakeEncoder{streamIndex: 0}
		// the barrier keeps the pipeline in the stopping state until the
		// producer has observed the stop and exited
		sink := &fakeSink{finalizeBarrier: make(chan struct{})}
		p := newFakePipeline(ctx, videoEncoder, nil, sink, 4)

		producerDone := make(chan struct{})
		observability.Go(ctx, func(ctx context.Context) {
			defer close(producerDone)
			for {
				buf := p.AcquireVideoBuffer()
				if buf == nil {
					runtime.Gosched()
					continue
				}
				if !p.SubmitVideo(buf) {
					p.ReleaseVideoBuffer(buf)
					return
				}
			}
		})

		time.Sleep(time.Millisecond)
		require.NoError(t, p.Stop(ctx))
		<-producerDone
		close(sink.finalizeBarrier)

		waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
		require.NoError(t, p.Wait(waitCtx))
		cancelFn()
		assert.EqualValues(t, 0, p.videoPool.Outstanding())
	}
}

func TestPoolBackpressure(t *testing.T) {
	ctx := testContext(t)
	videoEncoder := &fakeEncoder{streamIndex: 0, encodeDelay: time.Hour}
	sink := &fakeSink{}
	p := newFakePipeline(ctx, videoEncoder, nil, sink, 2)
	defer func() {
		p.hardStopFlag.Store(true)
		p.videoStage.stop()
		p.muxStage.stop()
	}()

	buf1 := p.AcquireVideoBuffer()
	require.NotNil(t, buf1)
	buf2 := p.AcquireVideoBuffer()
	require.NotNil(t, buf2)
	assert.Nil(t, p.AcquireVideoBuffer())

	p.ReleaseVideoBuffer(buf2)
	buf3 := p.AcquireVideoBuffer()
	require.NotNil(t, buf3)
	p.ReleaseVideoBuffer(buf1)
	p.ReleaseVideoBuffer(buf3)
}
