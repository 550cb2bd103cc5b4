// Command copilot-diagnose checks configuration, audio devices, capture and
// transcription connectivity without starting the desktop app.
//
// Usage:
//
//	go run ./cmd/copilot-diagnose -duration 2s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"interviewcopilot/internal/audio"
	"interviewcopilot/internal/bootstrap"
	"interviewcopilot/internal/config"
	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/ports"
)

type options struct {
	duration          time.Duration
	skipCapture       bool
	skipTranscription bool
	logLevel          string
}

func main() {
	var opts options
	flag.DurationVar(&opts.duration, "duration", 2*time.Second, "capture duration per channel")
	flag.BoolVar(&opts.skipCapture, "skip-capture", false, "do not capture audio")
	flag.BoolVar(&opts.skipTranscription, "skip-transcription", false, "do not open transcription sessions")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "diagnose failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opts options) error {
	logging.Init(logging.Config{Level: opts.logLevel, Format: "console"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reportConfig(out, cfg)

	failures := 0
	if !checkDevices(ctx, out, cfg) {
		failures++
	}
	if !opts.skipCapture {
		capturer := audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand)
		for _, ch := range domain.Channels {
			device := bootstrap.DeviceConfig(cfg.Audio, deviceFor(cfg.Audio, ch))
			levels, err := captureLevels(ctx, capturer, device, cfg.Audio.FrameSamples, opts.duration)
			if err != nil {
				failures++
				fmt.Fprintf(out, "capture %-8s FAIL %v\n", ch, err)
				continue
			}
			fmt.Fprintf(out, "capture %-8s ok   %s\n", ch, describeLevels(levels, cfg.Audio.ActivityThreshold))
		}
	}
	if !opts.skipTranscription {
		if !checkTranscription(ctx, out, cfg) {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Fprintln(out, "all checks passed")
	return nil
}

func reportConfig(out io.Writer, cfg config.Config) {
	file := cfg.File
	if file == "" {
		file = "(defaults and environment)"
	}
	fmt.Fprintf(out, "config   %s\n", file)
	fmt.Fprintf(out, "provider %s\n", cfg.Transcription.Provider)
	if cfg.Transcription.Provider == "deepgram" {
		key := "missing"
		if cfg.Transcription.Deepgram.APIKey != "" {
			key = "present"
		}
		fmt.Fprintf(out, "api key  %s (model %s, language %s)\n", key, cfg.Transcription.Deepgram.Model, cfg.Transcription.Deepgram.Language)
	}
	fmt.Fprintf(out, "rules    %s\n", cfg.Rules.Path)
}

func checkDevices(ctx context.Context, out io.Writer, cfg config.Config) bool {
	devices, err := audio.NewPulseDevices(cfg.Audio.DevicesCommand).ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(out, "devices  FAIL %v\n", err)
		return false
	}
	fmt.Fprintf(out, "devices  %d found\n", len(devices))
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(out, "  %s %-6s %s (%s)\n", marker, d.Type, d.Name, d.ID)
	}
	return true
}

func deviceFor(a config.AudioConfig, ch domain.Channel) config.DeviceConfig {
	if ch == domain.ChannelSystem {
		return a.System
	}
	return a.External
}

// captureLevels records from device for d and returns the combined levels.
func captureLevels(ctx context.Context, capturer ports.AudioCapture, device ports.AudioConfig, frameSamples int, d time.Duration) (audio.Levels, error) {
	captureCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	session, err := capturer.Start(captureCtx, device)
	if err != nil {
		return audio.Levels{}, err
	}
	go func() {
		<-captureCtx.Done()
		_ = session.Stop()
	}()

	var all []float32
	reader := audio.NewFrameReader(session, frameSamples)
	for {
		samples, err := reader.Next()
		all = append(all, samples...)
		if err != nil {
			if errors.Is(err, io.EOF) || captureCtx.Err() != nil {
				break
			}
			return audio.Levels{}, err
		}
	}
	if len(all) == 0 {
		return audio.Levels{}, errors.New("no audio received")
	}
	return audio.ComputeLevels(all), nil
}

func describeLevels(levels audio.Levels, threshold float64) string {
	verdict := "silent"
	if levels.RMS > threshold {
		verdict = "signal"
	}
	return fmt.Sprintf("peak %.3f rms %.3f (%s)", levels.Peak, levels.RMS, verdict)
}

func checkTranscription(ctx context.Context, out io.Writer, cfg config.Config) bool {
	provider, closeProvider, err := bootstrap.NewProvider(ctx, cfg.Transcription)
	if err != nil {
		fmt.Fprintf(out, "stt      FAIL %v\n", err)
		return false
	}
	if closeProvider != nil {
		defer closeProvider()
	}

	ok := true
	for _, ch := range domain.Channels {
		if err := openSession(ctx, provider, cfg.Transcription.ConnectTimeout); err != nil {
			ok = false
			fmt.Fprintf(out, "stt %-8s FAIL %s\n", ch, strings.TrimSpace(err.Error()))
			continue
		}
		fmt.Fprintf(out, "stt %-8s ok\n", ch)
	}
	return ok
}

func openSession(ctx context.Context, provider ports.TranscriptionProvider, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := provider.StartStreaming(connectCtx, ports.StreamingConfig{
		SampleRate:     audio.TargetSampleRate,
		Channels:       1,
		Encoding:       "linear16",
		InterimResults: true,
		ConnectTimeout: timeout,
	})
	if err != nil {
		return err
	}
	return session.Close()
}
