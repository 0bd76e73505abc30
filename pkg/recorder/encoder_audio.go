package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
)

// audioEncoder owns the AAC codec context. The sample rate is never changed
// on the way through: the resampler only converts the sample format and the
// channel layout to whatever the codec wants, so one submitted buffer maps
// to exactly one codec frame of FrameSize() samples.
type audioEncoder struct {
	*astikit.Closer

	cfg       AudioConfig
	profiling bool
	stats     *CommonsStreamStatistics

	codecCtx *astiav.CodecContext
	swrCtx   *astiav.SoftwareResampleContext
	srcFrame *astiav.Frame
	dstFrame *astiav.Frame
	stream   *astiav.Stream

	samplesPerBuffer int
	bufferSize       int
	nextPts          int64
}

var _ rawEncoder = (*audioEncoder)(nil)

func newAudioEncoder(
	ctx context.Context,
	cfg AudioConfig,
	profiling bool,
	stats *CommonsStreamStatistics,
) (_ret *audioEncoder, _err error) {
	logger.Debugf(ctx, "newAudioEncoder: %dHz, %d channel(s), %s", cfg.SampleRate, cfg.Channels, cfg.SampleFormat)
	defer func() { logger.Debugf(ctx, "/newAudioEncoder: %v", _err) }()

	sampleFmt, err := sampleFormatFromName(cfg.SampleFormat)
	if err != nil {
		return nil, err
	}
	channelLayout, err := channelLayoutFromCount(cfg.Channels)
	if err != nil {
		return nil, err
	}

	e := &audioEncoder{
		Closer:    astikit.NewCloser(),
		cfg:       cfg,
		profiling: profiling,
		stats:     stats,
	}
	defer func() {
		if _err != nil {
			e.Close()
		}
	}()

	codec := astiav.FindEncoder(astiav.CodecIDAac)
	if codec == nil {
		return nil, fmt.Errorf("unable to find an AAC encoder")
	}

	e.codecCtx = astiav.AllocCodecContext(codec)
	if e.codecCtx == nil {
		return nil, fmt.Errorf("unable to allocate a codec context for %s", codec.Name())
	}
	e.Closer.Add(e.codecCtx.Free)

	e.codecCtx.SetSampleRate(cfg.SampleRate)
	e.codecCtx.SetChannelLayout(channelLayout)
	e.codecCtx.SetSampleFormat(astiav.SampleFormatFltp)
	e.codecCtx.SetTimeBase(astiav.NewRational(1, cfg.SampleRate))
	e.codecCtx.SetBitRate(cfg.BitRate)
	e.codecCtx.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)

	if err := e.codecCtx.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("unable to open the audio codec context: %w", err)
	}

	e.samplesPerBuffer = e.codecCtx.FrameSize()
	if e.samplesPerBuffer <= 0 {
		return nil, fmt.Errorf("the audio codec reported a frame size of %d samples", e.samplesPerBuffer)
	}
	e.bufferSize = e.samplesPerBuffer * cfg.Channels * bytesPerSample(sampleFmt)

	e.srcFrame = astiav.AllocFrame()
	e.Closer.Add(e.srcFrame.Free)
	e.srcFrame.SetSampleFormat(sampleFmt)
	e.srcFrame.SetChannelLayout(channelLayout)
	e.srcFrame.SetSampleRate(cfg.SampleRate)
	e.srcFrame.SetNbSamples(e.samplesPerBuffer)
	if err := e.srcFrame.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("unable to allocate a buffer for the source frame: %w", err)
	}

	e.dstFrame = astiav.AllocFrame()
	e.Closer.Add(e.dstFrame.Free)
	e.dstFrame.SetSampleFormat(e.codecCtx.SampleFormat())
	e.dstFrame.SetChannelLayout(e.codecCtx.ChannelLayout())
	e.dstFrame.SetSampleRate(e.codecCtx.SampleRate())
	e.dstFrame.SetNbSamples(e.samplesPerBuffer)
	if err := e.dstFrame.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("unable to allocate a buffer for the destination frame: %w", err)
	}

	e.swrCtx = astiav.AllocSoftwareResampleContext()
	if e.swrCtx == nil {
		return nil, fmt.Errorf("unable to allocate a resample context")
	}
	e.Closer.Add(e.swrCtx.Free)

	return e, nil
}

func (e *audioEncoder) bindStream(stream *astiav.Stream) {
	e.stream = stream
}

func (e *audioEncoder) codecContext() *astiav.CodecContext {
	return e.codecCtx
}

// BufferSize is the exact size of one raw audio unit in bytes.
func (e *audioEncoder) BufferSize() int {
	return e.bufferSize
}

func (e *audioEncoder) Encode(
	ctx context.Context,
	raw []byte,
	release func(),
	emit func(*EncoderOutput) error,
) error {
	if err := e.srcFrame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the source frame writable: %w", err)
	}
	if err := e.srcFrame.Data().SetBytes(raw, 0); err != nil {
		return fmt.Errorf("unable to fill the source frame: %w", err)
	}
	if err := e.dstFrame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the destination frame writable: %w", err)
	}
	if err := e.swrCtx.ConvertFrame(e.srcFrame, e.dstFrame); err != nil {
		return fmt.Errorf("unable to convert the samples to the encoder's format: %w", err)
	}
	// the raw bytes are fully copied out at this point
	release()

	e.dstFrame.SetPts(e.nextPts)
	e.nextPts += int64(e.samplesPerBuffer)

	var startTS time.Time
	if e.profiling {
		startTS = time.Now()
	}
	if err := e.codecCtx.SendFrame(e.dstFrame); err != nil {
		return fmt.Errorf("unable to send a frame to the audio encoder: %w", err)
	}
	err := e.receivePackets(ctx, emit)
	if e.profiling {
		e.stats.EncodeDuration.Add(uint64(time.Since(startTS)))
	}
	return err
}

func (e *audioEncoder) Drain(
	ctx context.Context,
	emit func(*EncoderOutput) error,
) (_err error) {
	logger.Debugf(ctx, "draining the audio encoder")
	defer func() { logger.Debugf(ctx, "/draining the audio encoder: %v", _err) }()

	if err := e.codecCtx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("unable to send the flush frame to the audio encoder: %w", err)
	}
	return e.receivePackets(ctx, emit)
}

func (e *audioEncoder) receivePackets(
	ctx context.Context,
	emit func(*EncoderOutput) error,
) error {
	for {
		packet := packetPool.Get()
		err := e.codecCtx.ReceivePacket(packet)
		if err != nil {
			packetPool.Put(packet)
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("unable to receive a packet from the audio encoder: %w", err)
		}

		packet.SetStreamIndex(e.stream.Index())
		packet.RescaleTs(e.codecCtx.TimeBase(), e.stream.TimeBase())
		logger.Tracef(ctx, "an audio packet (pts:%d, dts:%d, dur:%d)", packet.Pts(), packet.Dts(), packet.Duration())

		e.stats.PacketsProduced.Add(1)
		if err := emit(&EncoderOutput{Packet: packet, Stream: e.stream}); err != nil {
			packetPool.Put(packet)
			return err
		}
	}
}
