package recorder

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

const (
	DefaultFrameRate         = 30
	DefaultCompressionFactor = 23
	DefaultPreset            = "veryfast"
	DefaultPoolDepth         = 16
	DefaultAudioBitRate      = 128000
	DefaultMuxQueueLength    = 1024
)

// VideoConfig describes the raw video the producer will push and how to
// encode it. The input geometry is the geometry of the submitted buffers;
// the output geometry (if set) is what the container will carry, with the
// rescale happening inside the pipeline.
type VideoConfig struct {
	Width             int    `yaml:"width"`
	Height            int    `yaml:"height"`
	OutputWidth       int    `yaml:"output_width"`
	OutputHeight      int    `yaml:"output_height"`
	PixelFormat       string `yaml:"pixel_format"`
	FrameRate         int    `yaml:"frame_rate"`
	GOPSize           int    `yaml:"gop_size"`
	CompressionFactor int    `yaml:"compression_factor"`
	Preset            string `yaml:"preset"`
	VerticalFlip      bool   `yaml:"vertical_flip"`
	FullColorRange    bool   `yaml:"full_color_range"`
	PoolDepth         int    `yaml:"pool_depth"`
	QueueLength       int    `yaml:"queue_length"`
}

// AudioConfig describes the (optional) raw audio track. The codec dictates
// the chunk size: one submitted buffer always carries exactly the amount of
// samples the encoder consumes per frame (see Pipeline.AudioBufferSize).
type AudioConfig struct {
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	SampleFormat string `yaml:"sample_format"`
	BitRate      int64  `yaml:"bit_rate"`
	PoolDepth    int    `yaml:"pool_depth"`
	QueueLength  int    `yaml:"queue_length"`
}

type Config struct {
	Video          VideoConfig  `yaml:"video"`
	Audio          *AudioConfig `yaml:"audio"`
	Fragmented     bool         `yaml:"fragmented"`
	Profiling      bool         `yaml:"profiling"`
	MuxQueueLength int          `yaml:"mux_queue_length"`
}

func DefaultConfig() Config {
	return Config{
		Video: VideoConfig{
			Width:             1280,
			Height:            720,
			PixelFormat:       "rgba",
			FrameRate:         DefaultFrameRate,
			CompressionFactor: DefaultCompressionFactor,
			Preset:            DefaultPreset,
			PoolDepth:         DefaultPoolDepth,
		},
	}
}

func (cfg *Config) setDefaults() {
	v := &cfg.Video
	if v.OutputWidth == 0 {
		v.OutputWidth = v.Width
	}
	if v.OutputHeight == 0 {
		v.OutputHeight = v.Height
	}
	if v.PixelFormat == "" {
		v.PixelFormat = "rgba"
	}
	if v.FrameRate == 0 {
		v.FrameRate = DefaultFrameRate
	}
	if v.GOPSize == 0 {
		v.GOPSize = v.FrameRate * 2
	}
	if v.CompressionFactor == 0 {
		v.CompressionFactor = DefaultCompressionFactor
	}
	if v.Preset == "" {
		v.Preset = DefaultPreset
	}
	if v.PoolDepth == 0 {
		v.PoolDepth = DefaultPoolDepth
	}
	if v.QueueLength == 0 {
		v.QueueLength = v.PoolDepth * 2
	}
	if a := cfg.Audio; a != nil {
		if a.SampleFormat == "" {
			a.SampleFormat = "s16"
		}
		if a.BitRate == 0 {
			a.BitRate = DefaultAudioBitRate
		}
		if a.PoolDepth == 0 {
			a.PoolDepth = DefaultPoolDepth
		}
		if a.QueueLength == 0 {
			a.QueueLength = a.PoolDepth * 2
		}
	}
	if cfg.MuxQueueLength == 0 {
		cfg.MuxQueueLength = DefaultMuxQueueLength
	}
}

func (cfg *Config) validate() error {
	v := &cfg.Video
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("invalid input geometry %dx%d", v.Width, v.Height)
	}
	if v.OutputWidth <= 0 || v.OutputHeight <= 0 {
		return fmt.Errorf("invalid output geometry %dx%d", v.OutputWidth, v.OutputHeight)
	}
	if v.OutputWidth%2 != 0 || v.OutputHeight%2 != 0 {
		return fmt.Errorf("output geometry %dx%d is not acceptable: yuv420p requires even dimensions", v.OutputWidth, v.OutputHeight)
	}
	pixFmt, err := pixelFormatFromName(v.PixelFormat)
	if err != nil {
		return err
	}
	if v.VerticalFlip && !isPackedPixelFormat(pixFmt) {
		return fmt.Errorf("vertical flip is supported only for packed pixel formats, not '%s'", v.PixelFormat)
	}
	if v.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %d", v.FrameRate)
	}
	if v.CompressionFactor < 0 || v.CompressionFactor > 51 {
		return fmt.Errorf("compression factor %d is out of the range [0, 51]", v.CompressionFactor)
	}
	if v.PoolDepth > 0 && v.QueueLength < v.PoolDepth {
		return fmt.Errorf("the video queue (%d) is shorter than the video pool depth (%d)", v.QueueLength, v.PoolDepth)
	}
	if a := cfg.Audio; a != nil {
		if a.SampleRate <= 0 {
			return fmt.Errorf("invalid sample rate %d", a.SampleRate)
		}
		switch a.Channels {
		case 1, 2:
		default:
			return fmt.Errorf("unsupported channels count %d (expected 1 or 2)", a.Channels)
		}
		if _, err := sampleFormatFromName(a.SampleFormat); err != nil {
			return err
		}
		if a.BitRate <= 0 {
			return fmt.Errorf("invalid audio bitrate %d", a.BitRate)
		}
		if a.PoolDepth > 0 && a.QueueLength < a.PoolDepth {
			return fmt.Errorf("the audio queue (%d) is shorter than the audio pool depth (%d)", a.QueueLength, a.PoolDepth)
		}
	}
	return nil
}

func pixelFormatFromName(name string) (astiav.PixelFormat, error) {
	switch name {
	case "rgba":
		return astiav.PixelFormatRgba, nil
	case "bgra":
		return astiav.PixelFormatBgra, nil
	case "rgb24":
		return astiav.PixelFormatRgb24, nil
	case "bgr24":
		return astiav.PixelFormatBgr24, nil
	case "yuv420p":
		return astiav.PixelFormatYuv420P, nil
	case "nv12":
		return astiav.PixelFormatNv12, nil
	default:
		return astiav.PixelFormatNone, fmt.Errorf("unsupported raw pixel format '%s'", name)
	}
}

func isPackedPixelFormat(pf astiav.PixelFormat) bool {
	switch pf {
	case astiav.PixelFormatRgba, astiav.PixelFormatBgra, astiav.PixelFormatRgb24, astiav.PixelFormatBgr24:
		return true
	default:
		return false
	}
}

func videoBufferSize(pf astiav.PixelFormat, width, height int) int {
	switch pf {
	case astiav.PixelFormatRgba, astiav.PixelFormatBgra:
		return width * height * 4
	case astiav.PixelFormatRgb24, astiav.PixelFormatBgr24:
		return width * height * 3
	case astiav.PixelFormatYuv420P, astiav.PixelFormatNv12:
		return width * height * 3 / 2
	default:
		return 0
	}
}

func sampleFormatFromName(name string) (astiav.SampleFormat, error) {
	switch name {
	case "u8":
		return astiav.SampleFormatU8, nil
	case "s16":
		return astiav.SampleFormatS16, nil
	case "s32":
		return astiav.SampleFormatS32, nil
	case "flt":
		return astiav.SampleFormatFlt, nil
	case "dbl":
		return astiav.SampleFormatDbl, nil
	default:
		return astiav.SampleFormatNone, fmt.Errorf("unsupported raw sample format '%s'", name)
	}
}

func bytesPerSample(sf astiav.SampleFormat) int {
	switch sf {
	case astiav.SampleFormatU8:
		return 1
	case astiav.SampleFormatS16:
		return 2
	case astiav.SampleFormatS32, astiav.SampleFormatFlt:
		return 4
	case astiav.SampleFormatDbl:
		return 8
	default:
		return 0
	}
}

func channelLayoutFromCount(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	default:
		return astiav.ChannelLayout{}, fmt.Errorf("unsupported channels count %d", channels)
	}
}
