package recorder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
)

// videoEncoder owns the H.264 codec context and everything needed to turn
// one raw picture buffer into compressed packets: the reusable source and
// destination frames and the pixel format/geometry converter between them.
// It is driven by exactly one stage goroutine.
type videoEncoder struct {
	*astikit.Closer

	cfg       VideoConfig
	profiling bool
	stats     *CommonsStreamStatistics

	codecCtx *astiav.CodecContext
	swsCtx   *astiav.SoftwareScaleContext
	srcFrame *astiav.Frame
	dstFrame *astiav.Frame
	stream   *astiav.Stream

	flipBuf []byte
	rowSize int
	nextPts int64
}

var _ rawEncoder = (*videoEncoder)(nil)

func newVideoEncoder(
	ctx context.Context,
	cfg VideoConfig,
	profiling bool,
	stats *CommonsStreamStatistics,
) (_ret *videoEncoder, _err error) {
	logger.Debugf(ctx, "newVideoEncoder: %dx%d (%s) -> %dx%d", cfg.Width, cfg.Height, cfg.PixelFormat, cfg.OutputWidth, cfg.OutputHeight)
	defer func() { logger.Debugf(ctx, "/newVideoEncoder: %v", _err) }()

	pixFmt, err := pixelFormatFromName(cfg.PixelFormat)
	if err != nil {
		return nil, err
	}

	e := &videoEncoder{
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

	codec := astiav.FindEncoder(astiav.CodecIDH264)
	if codec == nil {
		return nil, fmt.Errorf("unable to find an H.264 encoder")
	}

	e.codecCtx = astiav.AllocCodecContext(codec)
	if e.codecCtx == nil {
		return nil, fmt.Errorf("unable to allocate a codec context for %s", codec.Name())
	}
	e.Closer.Add(e.codecCtx.Free)

	e.codecCtx.SetWidth(cfg.OutputWidth)
	e.codecCtx.SetHeight(cfg.OutputHeight)
	e.codecCtx.SetPixelFormat(astiav.PixelFormatYuv420P)
	e.codecCtx.SetTimeBase(astiav.NewRational(1, cfg.FrameRate))
	e.codecCtx.SetFramerate(astiav.NewRational(cfg.FrameRate, 1))
	e.codecCtx.SetGopSize(cfg.GOPSize)

	opts := astiav.NewDictionary()
	defer opts.Free()
	opts.Set("crf", strconv.Itoa(cfg.CompressionFactor), 0)
	opts.Set("preset", cfg.Preset, 0)

	if err := e.codecCtx.Open(codec, opts); err != nil {
		return nil, fmt.Errorf("unable to open the video codec context: %w", err)
	}

	e.srcFrame = astiav.AllocFrame()
	e.Closer.Add(e.srcFrame.Free)
	e.srcFrame.SetWidth(cfg.Width)
	e.srcFrame.SetHeight(cfg.Height)
	e.srcFrame.SetPixelFormat(pixFmt)
	if err := e.srcFrame.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("unable to allocate a buffer for the source frame: %w", err)
	}

	e.dstFrame = astiav.AllocFrame()
	e.Closer.Add(e.dstFrame.Free)
	e.dstFrame.SetWidth(cfg.OutputWidth)
	e.dstFrame.SetHeight(cfg.OutputHeight)
	e.dstFrame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if cfg.FullColorRange {
		e.dstFrame.SetColorRange(astiav.ColorRangeJpeg)
	}
	if err := e.dstFrame.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("unable to allocate a buffer for the destination frame: %w", err)
	}

	e.swsCtx, err = astiav.CreateSoftwareScaleContext(
		cfg.Width, cfg.Height, pixFmt,
		cfg.OutputWidth, cfg.OutputHeight, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create a scale context %dx%d (%s) -> %dx%d (yuv420p): %w", cfg.Width, cfg.Height, pixFmt, cfg.OutputWidth, cfg.OutputHeight, err)
	}
	e.Closer.Add(e.swsCtx.Free)

	if cfg.VerticalFlip {
		bufSize := videoBufferSize(pixFmt, cfg.Width, cfg.Height)
		e.flipBuf = make([]byte, bufSize)
		e.rowSize = bufSize / cfg.Height
	}

	return e, nil
}

func (e *videoEncoder) bindStream(stream *astiav.Stream) {
	e.stream = stream
}

func (e *videoEncoder) codecContext() *astiav.CodecContext {
	return e.codecCtx
}

func (e *videoEncoder) Encode(
	ctx context.Context,
	raw []byte,
	release func(),
	emit func(*EncoderOutput) error,
) error {
	buf := raw
	if e.flipBuf != nil {
		flipVertically(raw, e.flipBuf, e.rowSize)
		buf = e.flipBuf
	}

	if err := e.srcFrame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the source frame writable: %w", err)
	}
	if err := e.srcFrame.Data().SetBytes(buf, 1); err != nil {
		return fmt.Errorf("unable to fill the source frame: %w", err)
	}
	if err := e.dstFrame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the destination frame writable: %w", err)
	}
	if err := e.swsCtx.ScaleFrame(e.srcFrame, e.dstFrame); err != nil {
		return fmt.Errorf("unable to convert the frame to the encoder's format: %w", err)
	}
	// the raw bytes are fully copied out at this point
	release()

	e.dstFrame.SetPts(e.nextPts)
	e.nextPts++

	var startTS time.Time
	if e.profiling {
		startTS = time.Now()
	}
	if err := e.codecCtx.SendFrame(e.dstFrame); err != nil {
		return fmt.Errorf("unable to send a frame to the video encoder: %w", err)
	}
	err := e.receivePackets(ctx, emit)
	if e.profiling {
		e.stats.EncodeDuration.Add(uint64(time.Since(startTS)))
	}
	return err
}

func (e *videoEncoder) Drain(
	ctx context.Context,
	emit func(*EncoderOutput) error,
) (_err error) {
	logger.Debugf(ctx, "draining the video encoder")
	defer func() { logger.Debugf(ctx, "/draining the video encoder: %v", _err) }()

	if err := e.codecCtx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("unable to send the flush frame to the video encoder: %w", err)
	}
	return e.receivePackets(ctx, emit)
}

func (e *videoEncoder) receivePackets(
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
			return fmt.Errorf("unable to receive a packet from the video encoder: %w", err)
		}

		packet.SetStreamIndex(e.stream.Index())
		packet.RescaleTs(e.codecCtx.TimeBase(), e.stream.TimeBase())
		logger.Tracef(ctx, "a video packet (pts:%d, dts:%d, dur:%d)", packet.Pts(), packet.Dts(), packet.Duration())

		e.stats.PacketsProduced.Add(1)
		if err := emit(&EncoderOutput{Packet: packet, Stream: e.stream}); err != nil {
			packetPool.Put(packet)
			return err
		}
	}
}

func flipVertically(src, dst []byte, rowSize int) {
	rows := len(src) / rowSize
	for row := 0; row < rows; row++ {
		copy(dst[row*rowSize:(row+1)*rowSize], src[(rows-1-row)*rowSize:(rows-row)*rowSize])
	}
}
