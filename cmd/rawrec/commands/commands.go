package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"

	"github.com/xaionaro-go/rawrec/pkg/astiavlogger"
	"github.com/xaionaro-go/rawrec/pkg/recorder"
	"github.com/xaionaro-go/rawrec/pkg/testsrc"
)

var (
	// Access these variables only from a main package:

	Root = &cobra.Command{
		Use: os.Args[0],
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			l := logger.FromCtx(ctx).WithLevel(LoggerLevel)
			ctx = logger.CtxWithLogger(ctx, l)
			cmd.SetContext(ctx)
			logger.Debugf(ctx, "log-level: %v", LoggerLevel)

			astiav.SetLogLevel(astiavlogger.LogLevelToAstiav(LoggerLevel))
			astiav.SetLogCallback(astiavlogger.Callback(l))

			netPprofAddr, err := cmd.Flags().GetString("go-net-pprof-addr")
			if err != nil {
				l.Errorf("unable to get the value of the flag 'go-net-pprof-addr': %v", err)
			}
			if netPprofAddr != "" {
				observability.Go(ctx, func(ctx context.Context) {
					l.Infof("starting to listen for net/pprof requests at '%s'", netPprofAddr)
					l.Error(http.ListenAndServe(netPprofAddr, nil))
				})
			}
		},
	}

	Record = &cobra.Command{
		Use:  "record destination.mp4",
		Args: cobra.ExactArgs(1),
		Run:  record,
	}

	LoggerLevel = logger.LevelWarning
)

func init() {
	Root.PersistentFlags().Var(&LoggerLevel, "log-level", "Verbosity of the logger")
	Root.PersistentFlags().String("go-net-pprof-addr", "", "address to listen to for net/pprof requests")

	Root.AddCommand(Record)
	Record.PersistentFlags().String("profile", "", "path to a YAML file with the encoding configuration")
	Record.PersistentFlags().Uint("width", 0, "width of the generated test pattern (overrides the profile)")
	Record.PersistentFlags().Uint("height", 0, "height of the generated test pattern (overrides the profile)")
	Record.PersistentFlags().Uint("fps", 0, "frame rate of the generated test pattern (overrides the profile)")
	Record.PersistentFlags().Bool("audio", false, "also generate and record a sine tone")
	Record.PersistentFlags().Bool("fragmented", false, "write a fragmented MP4 instead of a regular one")
	Record.PersistentFlags().Bool("profiling", false, "collect per-stage timing statistics")
	Record.PersistentFlags().Duration("duration", 10*time.Second, "for how long to record (0 means: until interrupted)")
}

func assertNoError(ctx context.Context, err error) {
	if err != nil {
		logger.Panic(ctx, err)
	}
}

// toneSamplesPerBuffer converts the pipeline's audio buffer size into a
// sample count for pacing the tone generator. The generator produces s16
// interleaved samples and nothing else, so any other configured format is
// rejected up front instead of feeding the encoder mislabeled bytes.
func toneSamplesPerBuffer(bufferSize int, cfg *recorder.AudioConfig) (int, error) {
	if cfg.SampleFormat != "s16" {
		return 0, fmt.Errorf("the built-in tone generator produces s16 samples, the profile asks for '%s'", cfg.SampleFormat)
	}
	return bufferSize / (2 * cfg.Channels), nil
}

func record(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	outputPath := args[0]

	profilePath, err := cmd.Flags().GetString("profile")
	assertNoError(ctx, err)
	width, err := cmd.Flags().GetUint("width")
	assertNoError(ctx, err)
	height, err := cmd.Flags().GetUint("height")
	assertNoError(ctx, err)
	fps, err := cmd.Flags().GetUint("fps")
	assertNoError(ctx, err)
	withAudio, err := cmd.Flags().GetBool("audio")
	assertNoError(ctx, err)
	fragmented, err := cmd.Flags().GetBool("fragmented")
	assertNoError(ctx, err)
	profiling, err := cmd.Flags().GetBool("profiling")
	assertNoError(ctx, err)
	duration, err := cmd.Flags().GetDuration("duration")
	assertNoError(ctx, err)

	cfg := recorder.DefaultConfig()
	if profilePath != "" {
		b, err := os.ReadFile(profilePath)
		assertNoError(ctx, err)
		err = yaml.Unmarshal(b, &cfg)
		assertNoError(ctx, err)
	}
	if width != 0 {
		cfg.Video.Width = int(width)
	}
	if height != 0 {
		cfg.Video.Height = int(height)
	}
	if fps != 0 {
		cfg.Video.FrameRate = int(fps)
	}
	if fragmented {
		cfg.Fragmented = true
	}
	if profiling {
		cfg.Profiling = true
	}
	if withAudio && cfg.Audio == nil {
		cfg.Audio = &recorder.AudioConfig{
			SampleRate: 48000,
			Channels:   2,
		}
	}

	p, err := recorder.New(ctx, cfg)
	assertNoError(ctx, err)
	// a cancelled ctx must not prevent the teardown from freeing the codecs
	stopCtx := xcontext.DetachDone(ctx)
	defer func() { assertNoError(ctx, p.Close(stopCtx)) }()

	err = p.Start(ctx, outputPath)
	assertNoError(ctx, err)

	observability.Go(ctx, func(ctx context.Context) {
		fault := <-p.Faults()
		logger.Errorf(ctx, "the %s stage faulted: %v", fault.Stage, fault.Err)
	})

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	pattern := testsrc.NewVideoPattern(cfg.Video.Width, cfg.Video.Height)
	var tone *testsrc.SineTone
	samplesPerBuffer := 0
	if cfg.Audio != nil {
		samplesPerBuffer, err = toneSamplesPerBuffer(p.AudioBufferSize(), cfg.Audio)
		assertNoError(ctx, err)
		tone = testsrc.NewSineTone(cfg.Audio.SampleRate, cfg.Audio.Channels, 440)
	}

	frameInterval := time.Second / time.Duration(cfg.Video.FrameRate)
	t := time.NewTicker(frameInterval)
	defer t.Stop()
	deadline := time.Now().Add(duration)

	framesSent := 0
	audioSamplesSent := 0
loop:
	for {
		select {
		case <-t.C:
			buf := p.AcquireVideoBuffer()
			if buf == nil {
				logger.Warnf(ctx, "no free video buffers, dropping a frame")
			} else {
				pattern.Fill(buf)
				if !p.SubmitVideo(buf) {
					p.ReleaseVideoBuffer(buf)
					break loop
				}
				framesSent++
			}
			if tone != nil {
				samplesWanted := framesSent * cfg.Audio.SampleRate / cfg.Video.FrameRate
				for audioSamplesSent+samplesPerBuffer <= samplesWanted {
					buf := p.AcquireAudioBuffer()
					if buf == nil {
						break
					}
					tone.Fill(buf)
					if !p.SubmitAudio(buf) {
						p.ReleaseAudioBuffer(buf)
						break loop
					}
					audioSamplesSent += samplesPerBuffer
				}
			}
			if duration > 0 && time.Now().After(deadline) {
				break loop
			}
		case sig := <-sigChan:
			logger.Infof(ctx, "received signal %v, stopping", sig)
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	observability.Go(ctx, func(ctx context.Context) {
		<-sigChan
		logger.Infof(ctx, "received a second signal, stopping hard")
		err := p.HardStop(stopCtx)
		if err != nil {
			logger.Errorf(ctx, "unable to stop hard: %v", err)
		}
	})

	err = p.Stop(stopCtx)
	if err != nil {
		logger.Errorf(ctx, "unable to stop: %v", err)
	}
	err = p.Wait(stopCtx)
	if err != nil {
		logger.Errorf(ctx, "the recording ended with an error: %v", err)
	}

	statsSerialized, err := yaml.Marshal(p.GetStats())
	assertNoError(ctx, err)
	cmd.OutOrStdout().Write(statsSerialized)
}
