package ports

import (
	"context"
	"io"
	"time"

	"interviewcopilot/internal/domain"
)

// AudioConfig describes how one input should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing little-endian float32 samples.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture opens capture sessions for a device.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// DeviceLister enumerates platform audio devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]domain.DeviceInfo, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
	ConnectTimeout time.Duration
}

// StreamingSession is an open provider session for one channel.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptionEvent
	Wait() error
	Close() error
}

// TranscriptionProvider opens streaming transcription sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// TextTransformer rewrites transcript text before reconciliation.
type TextTransformer interface {
	Apply(text string) (string, error)
}

// TranscriptPublisher forwards accepted final messages downstream.
type TranscriptPublisher interface {
	PublishMessage(ctx context.Context, sessionID string, msg domain.ChatMessage) error
}

// EventSink receives facade events for presentation.
type EventSink interface {
	Transcription(msg domain.ChatMessage)
	StatusUpdate(status domain.Status)
	AudioLevels(levels domain.AudioLevels)
	Error(source domain.ErrorSource, err error)
}
