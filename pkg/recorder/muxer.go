package recorder

import (
	"context"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
)

// muxSink is the mux stage's view of the container writer. The real
// implementation is *muxer; tests substitute their own.
type muxSink interface {
	writePacket(ctx context.Context, item *EncoderOutput) error
	finalize(ctx context.Context) error
}

type muxer struct {
	*astikit.Closer
	*astiav.FormatContext

	fragmented bool
	stats      *CommonsStatistics

	lastDTS map[int]int64

	ioCtx       *astiav.IOContext
	ioCloseOnce sync.Once
	ioCloseErr  error

	finalizeOnce sync.Once
	finalizeErr  error
}

var _ muxSink = (*muxer)(nil)

func newMuxer(
	ctx context.Context,
	path string,
	fragmented bool,
	stats *CommonsStatistics,
) (_ret *muxer, _err error) {
	logger.Debugf(ctx, "newMuxer: '%s' (fragmented: %t)", path, fragmented)
	defer func() { logger.Debugf(ctx, "/newMuxer: %v", _err) }()

	if path == "" {
		return nil, fmt.Errorf("the provided destination path is empty")
	}

	mx := &muxer{
		Closer:     astikit.NewCloser(),
		fragmented: fragmented,
		stats:      stats,
		lastDTS:    map[int]int64{},
	}
	defer func() {
		if _err != nil {
			mx.Close()
		}
	}()

	formatContext, err := astiav.AllocOutputFormatContext(nil, "mp4", path)
	if err != nil {
		return nil, fmt.Errorf("allocating the output format context failed: %w", err)
	}
	if formatContext == nil {
		return nil, fmt.Errorf("unable to allocate the output format context")
	}
	mx.FormatContext = formatContext
	mx.Closer.Add(mx.FormatContext.Free)

	if !mx.FormatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		logger.Tracef(ctx, "destination '%s' is a file", path)
		ioCtx, err := astiav.OpenIOContext(
			path,
			astiav.NewIOContextFlags(astiav.IOContextFlagWrite),
			nil,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("opening the io context for '%s' failed: %w", path, err)
		}
		mx.ioCtx = ioCtx
		mx.Closer.Add(func() {
			if err := mx.closeIO(); err != nil {
				logger.Errorf(ctx, "unable to close the IO context: %v", err)
			}
		})
		mx.FormatContext.SetPb(ioCtx)
	}

	return mx, nil
}

func (mx *muxer) newStream(
	ctx context.Context,
	codecCtx *astiav.CodecContext,
) (*astiav.Stream, error) {
	stream := mx.FormatContext.NewStream(nil)
	if stream == nil {
		return nil, fmt.Errorf("unable to initialize an output stream")
	}
	if err := codecCtx.ToCodecParameters(stream.CodecParameters()); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters to the output stream: %w", err)
	}
	stream.SetTimeBase(codecCtx.TimeBase())
	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(
			ctx,
			"new output stream: %s: %s: %s: %s",
			stream.CodecParameters().MediaType(),
			stream.CodecParameters().CodecID(),
			stream.TimeBase(),
			spew.Sdump(stream.CodecParameters()),
		)
	}
	return stream, nil
}

func (mx *muxer) writeHeader(
	ctx context.Context,
) (_err error) {
	logger.Debugf(ctx, "writeHeader")
	defer func() { logger.Debugf(ctx, "/writeHeader: %v", _err) }()

	var opts *astiav.Dictionary
	if mx.fragmented {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("movflags", "frag_keyframe+empty_moov+default_base_moof", 0)
	}
	if err := mx.FormatContext.WriteHeader(opts); err != nil {
		return fmt.Errorf("unable to write the header: %w", err)
	}
	return nil
}

func (mx *muxer) writePacket(
	ctx context.Context,
	item *EncoderOutput,
) (_err error) {
	packet := item.Packet
	if packet == nil {
		return fmt.Errorf("packet == nil")
	}
	logger.Tracef(ctx,
		"writePacket (pts:%d, dts:%d, dur:%d) for stream %d",
		packet.Pts(), packet.Dts(), packet.Duration(), packet.StreamIndex(),
	)
	defer func() { logger.Tracef(ctx, "/writePacket: %v", _err) }()

	streamIdx := packet.StreamIndex()
	dts := packet.Dts()
	if lastDTS, ok := mx.lastDTS[streamIdx]; ok && dts < lastDTS {
		logger.Errorf(ctx, "received a DTS from the past, ignoring the packet: %d < %d", dts, lastDTS)
		return nil
	}

	size := packet.Size()
	if err := mx.FormatContext.WriteInterleavedFrame(packet); err != nil {
		return fmt.Errorf("unable to write the packet: %w", err)
	}
	mx.lastDTS[streamIdx] = dts
	mx.stats.PacketsMuxed.Add(1)
	mx.stats.BytesCountWrote.Add(uint64(size))
	return nil
}

// finalize writes the trailer and closes the destination. It runs once; any
// later calls return the same result, so the graceful-stop path and the
// force-stop path cannot finalize the same file twice.
func (mx *muxer) finalize(
	ctx context.Context,
) error {
	mx.finalizeOnce.Do(func() {
		logger.Debugf(ctx, "finalize")
		defer func() { logger.Debugf(ctx, "/finalize: %v", mx.finalizeErr) }()

		var mErr *multierror.Error
		if err := mx.FormatContext.WriteTrailer(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to write the trailer: %w", err))
		}
		if err := mx.closeIO(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to close the destination: %w", err))
		}
		mx.finalizeErr = mErr.ErrorOrNil()
	})
	return mx.finalizeErr
}

func (mx *muxer) closeIO() error {
	mx.ioCloseOnce.Do(func() {
		if mx.ioCtx == nil {
			return
		}
		mx.ioCloseErr = mx.ioCtx.Close()
	})
	return mx.ioCloseErr
}
