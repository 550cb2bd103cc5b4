package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"interviewcopilot/internal/audio"
	"interviewcopilot/internal/capture"
	"interviewcopilot/internal/config"
	"interviewcopilot/internal/events"
	"interviewcopilot/internal/observability"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/observability/metrics"
	"interviewcopilot/internal/ports"
	"interviewcopilot/internal/providers/deepgram"
	"interviewcopilot/internal/providers/google"
	"interviewcopilot/internal/reconcile"
	"interviewcopilot/internal/rules"
	"interviewcopilot/internal/transcription"
	"interviewcopilot/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.DualChannelController
	Publisher  *events.Publisher
	Server     *observability.Server
	Config     config.Config

	closers []func() error
}

// Build loads configuration and wires all backend dependencies. A non-nil
// sink is subscribed to the controller.
func Build(ctx context.Context, sink ports.EventSink) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Observability.LogLevel, Format: cfg.Observability.LogFormat})
	return BuildWithConfig(ctx, cfg, sink, metrics.Default(), prometheus.DefaultGatherer)
}

// BuildWithConfig wires the graph for cfg, recording on m.
func BuildWithConfig(ctx context.Context, cfg config.Config, sink ports.EventSink, m *metrics.Metrics, gatherer prometheus.Gatherer) (*Services, error) {
	logger := logging.WithComponent("bootstrap")

	rulesEngine, err := rules.New(rules.Config{
		Path:           cfg.Rules.Path,
		Inline:         cfg.Rules.Substitutions,
		IterationLimit: cfg.Rules.IterationLimit,
	})
	if err != nil {
		return nil, err
	}

	services := &Services{Config: cfg}
	provider, closeProvider, err := NewProvider(ctx, cfg.Transcription)
	if err != nil {
		return nil, err
	}
	if closeProvider != nil {
		services.closers = append(services.closers, closeProvider)
	}

	captureManager := capture.NewManager(
		audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
		audio.NewPulseDevices(cfg.Audio.DevicesCommand),
		capture.Config{
			External:      DeviceConfig(cfg.Audio, cfg.Audio.External),
			System:        DeviceConfig(cfg.Audio, cfg.Audio.System),
			FrameSamples:  cfg.Audio.FrameSamples,
			LevelInterval: cfg.Audio.LevelInterval,
		},
		m,
	)

	transcriptionManager := transcription.NewManager(provider, transcription.Config{
		Streaming: ports.StreamingConfig{
			SampleRate:     audio.TargetSampleRate,
			Channels:       1,
			Encoding:       "linear16",
			InterimResults: true,
			ConnectTimeout: cfg.Transcription.ConnectTimeout,
		},
		MaxRetries:     cfg.Transcription.MaxRetries,
		RetryBaseDelay: cfg.Transcription.RetryBaseDelay,
		ReconnectDelay: cfg.Transcription.ReconnectDelay,
		HealthInterval: cfg.Transcription.HealthInterval,
		RestartDelay:   cfg.Transcription.RestartDelay,
	}, m)

	reconciler := reconcile.New(reconcile.Config{
		MinTextLength:     cfg.Reconcile.MinTextLength,
		MinInterval:       cfg.Reconcile.MinInterval,
		MaxRememberedText: cfg.Reconcile.MaxRemembered,
		MaxMessages:       cfg.Reconcile.MaxMessages,
		SpeakerHeuristics: cfg.Reconcile.SpeakerHeuristics,
	}, m)

	publisher := events.New(events.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		Enabled: cfg.Kafka.Enabled,
	}, m)
	services.Publisher = publisher

	controller := usecase.NewDualChannelController(usecase.Dependencies{
		Capture:       captureManager,
		Transcription: transcriptionManager,
		Reconciler:    reconciler,
		Transformer:   rulesEngine,
		Publisher:     publisher,
		Metrics:       m,
	}, usecase.Config{
		BufferDuration:    cfg.Audio.BufferDuration,
		DrainInterval:     cfg.Session.DrainInterval,
		StatusInterval:    cfg.Session.StatusInterval,
		ConnectStagger:    cfg.Session.ConnectStagger,
		ActivityThreshold: cfg.Audio.ActivityThreshold,
	})
	if sink != nil {
		controller.Subscribe(sink)
	}
	services.Controller = controller

	// Controller first so the publisher sees no writes after it closes.
	services.closers = append([]func() error{controller.Close}, services.closers...)
	services.closers = append(services.closers, publisher.Close)

	if cfg.Observability.Addr != "" {
		services.Server = observability.NewServer(cfg.Observability.Addr, controller, gatherer)
		services.Server.Start()
	}

	logger.Info().
		Str("provider", cfg.Transcription.Provider).
		Int("rules", rulesEngine.Len()).
		Bool("kafka", publisher.Enabled()).
		Str("metrics_addr", cfg.Observability.Addr).
		Msg("services built")
	return services, nil
}

// NewProvider builds the configured transcription provider. The returned
// close function is nil when the provider holds no client.
func NewProvider(ctx context.Context, cfg config.TranscriptionConfig) (ports.TranscriptionProvider, func() error, error) {
	switch cfg.Provider {
	case "google":
		provider, err := google.NewProvider(ctx, google.Config{
			LanguageCode: cfg.Google.LanguageCode,
			Model:        cfg.Google.Model,
			Punctuation:  cfg.Google.Punctuation,
			Endpoint:     cfg.Google.Endpoint,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("google speech provider: %w", err)
		}
		return provider, provider.Close, nil
	default:
		return deepgram.NewProvider(deepgram.Config{
			APIKey:            cfg.Deepgram.APIKey,
			APIBaseURL:        cfg.Deepgram.APIBaseURL,
			Model:             cfg.Deepgram.Model,
			Language:          cfg.Deepgram.Language,
			SmartFormat:       cfg.Deepgram.SmartFormat,
			Punctuate:         cfg.Deepgram.Punctuate,
			EndpointingMs:     cfg.Deepgram.EndpointingMs,
			VADEvents:         cfg.Deepgram.VADEvents,
			KeepAliveInterval: cfg.Deepgram.KeepAlive,
		}), nil, nil
	}
}

// DeviceConfig converts one configured device into a capture request.
func DeviceConfig(a config.AudioConfig, d config.DeviceConfig) ports.AudioConfig {
	return ports.AudioConfig{
		SampleRate:  d.SampleRate,
		Channels:    d.Channels,
		InputFormat: a.InputFormat,
		InputDevice: d.Device,
	}
}

// Close stops the session, the HTTP server and every backend client.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Server != nil {
		if err := s.Server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
