// Package google streams audio to Google Cloud Speech-to-Text over gRPC.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/ports"
)

// Config controls the recognition request.
type Config struct {
	LanguageCode string
	Model        string
	Punctuation  bool
	// Endpoint overrides the API endpoint, e.g. for a regional service.
	Endpoint string
}

type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type streamOpener func(ctx context.Context) (recognizeStream, error)

// Provider implements ports.TranscriptionProvider with StreamingRecognize.
// Credentials come from Application Default Credentials.
type Provider struct {
	cfg    Config
	client *speech.Client
	open   streamOpener
	logger zerolog.Logger
}

func NewProvider(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Provider, error) {
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	p := newProvider(cfg, func(ctx context.Context) (recognizeStream, error) {
		return client.StreamingRecognize(ctx)
	})
	p.client = client
	return p, nil
}

func newProvider(cfg Config, open streamOpener) *Provider {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	return &Provider{cfg: cfg, open: open, logger: logging.WithComponent("google-speech")}
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := p.open(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open speech stream: %w", err)
	}

	if err := stream.Send(p.configRequest(cfg)); err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	session := &streamingSession{
		stream:  stream,
		cancel:  cancel,
		logger:  p.logger,
		events:  make(chan domain.TranscriptionEvent, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go session.recvLoop()
	return session, nil
}

func (p *Provider) configRequest(cfg ports.StreamingConfig) *speechpb.StreamingRecognizeRequest {
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(sampleRate),
					AudioChannelCount:          int32(channels),
					LanguageCode:               p.cfg.LanguageCode,
					Model:                      p.cfg.Model,
					EnableAutomaticPunctuation: p.cfg.Punctuation,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}
}

type streamingSession struct {
	stream recognizeStream
	cancel context.CancelFunc
	logger zerolog.Logger

	events  chan domain.TranscriptionEvent
	closing chan struct{}
	done    chan struct{}

	sendMu     sync.Mutex
	sendClosed bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
}

func (s *streamingSession) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.stream.CloseSend()
}

func (s *streamingSession) Events() <-chan domain.TranscriptionEvent {
	return s.events
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.CloseSend()
		s.cancel()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) recvLoop() {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	for {
		resp, err := s.stream.Recv()
		if err != nil {
			s.logger.Debug().Err(err).Msg("recognize stream ended")
			s.setErr(err)
			return
		}
		if rpcErr := resp.GetError(); rpcErr != nil && rpcErr.GetCode() != int32(codes.OK) {
			s.setErr(fmt.Errorf("speech error %d: %s", rpcErr.GetCode(), rpcErr.GetMessage()))
			return
		}

		for _, event := range resultsToEvents(resp.GetResults()) {
			if !s.emit(event) {
				return
			}
		}
	}
}

func (s *streamingSession) emit(event domain.TranscriptionEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-s.closing:
		return false
	}
}

func (s *streamingSession) setErr(err error) {
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func resultsToEvents(results []*speechpb.StreamingRecognitionResult) []domain.TranscriptionEvent {
	var events []domain.TranscriptionEvent
	for _, r := range results {
		alternatives := r.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(alternatives[0].GetTranscript())
		if text == "" {
			continue
		}
		events = append(events, domain.TranscriptionEvent{
			Text:        text,
			IsFinal:     r.GetIsFinal(),
			SpeechFinal: r.GetIsFinal(),
			Confidence:  float64(alternatives[0].GetConfidence()),
		})
	}
	return events
}
