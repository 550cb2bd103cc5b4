package domain

import "time"

// Channel identifies one of the two independent audio sources.
type Channel string

const (
	ChannelExternal Channel = "external"
	ChannelSystem   Channel = "system"
)

// Channels lists every channel in connect order.
var Channels = []Channel{ChannelExternal, ChannelSystem}

func (c Channel) Valid() bool {
	return c == ChannelExternal || c == ChannelSystem
}

// Speaker is the role displayed next to a transcript message.
type Speaker string

const (
	SpeakerUser     Speaker = "user"
	SpeakerSystem   Speaker = "system"
	SpeakerExternal Speaker = "external"
)

// AudioFrame is one block of captured float samples in [-1, 1].
type AudioFrame struct {
	Samples      []float32
	SampleRateHz int
	ChannelCount int
	CapturedAt   time.Time
	Source       Channel
}

// Duration reports how much audio the frame holds.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRateHz <= 0 || f.ChannelCount <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.ChannelCount
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRateHz)
}

// EncodedAudioChunk is mono PCM16 audio ready for a transcription session.
type EncodedAudioChunk struct {
	Buffer       []byte
	SampleRateHz int
	ChannelCount int
	BitDepth     int
	CapturedAt   time.Time
	Duration     time.Duration
}

// TranscriptionEvent is a normalized provider result for one channel.
type TranscriptionEvent struct {
	Text        string    `json:"text"`
	IsFinal     bool      `json:"isFinal"`
	SpeechFinal bool      `json:"speechFinal"`
	Confidence  float64   `json:"confidence"`
	Source      Channel   `json:"source"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// ChatMessage is a reconciled transcript line shown to the user.
type ChatMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	IsInterim bool      `json:"isInterim"`
}

// ConnectionState is the per-channel transcription connection state.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// ChannelStatus summarizes one channel for the UI.
type ChannelStatus struct {
	Connected    bool            `json:"connected"`
	Capturing    bool            `json:"capturing"`
	Transcribing bool            `json:"transcribing"`
	AudioLevel   float64         `json:"audioLevel"`
	LastActivity time.Time       `json:"lastActivity"`
	State        ConnectionState `json:"state"`
}

// OverallStatus reports whether a session is running and for how long.
type OverallStatus struct {
	Active    bool          `json:"active"`
	StartedAt *time.Time    `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Status is the aggregated snapshot emitted to subscribers.
type Status struct {
	External ChannelStatus `json:"external"`
	System   ChannelStatus `json:"system"`
	Overall  OverallStatus `json:"overall"`
}

// Channel returns the status entry for ch.
func (s Status) Channel(ch Channel) ChannelStatus {
	if ch == ChannelSystem {
		return s.System
	}
	return s.External
}

// AudioLevels carries the normalized level of both channels together.
type AudioLevels struct {
	External float64 `json:"external"`
	System   float64 `json:"system"`
}

// DeviceType distinguishes capture inputs from playback outputs.
type DeviceType string

const (
	DeviceInput  DeviceType = "input"
	DeviceOutput DeviceType = "output"
)

// DeviceInfo describes an audio device known to the platform.
type DeviceInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	IsDefault bool       `json:"isDefault"`
	Type      DeviceType `json:"type"`
}

// ErrorSource tags an error with the part of the pipeline that raised it.
type ErrorSource string

const (
	ErrorSourceCaptureExternal       ErrorSource = "capture-external"
	ErrorSourceCaptureSystem         ErrorSource = "capture-system"
	ErrorSourceTranscriptionExternal ErrorSource = "transcription-external"
	ErrorSourceTranscriptionSystem   ErrorSource = "transcription-system"
	ErrorSourceInitialization        ErrorSource = "initialization"
	ErrorSourceStart                 ErrorSource = "start"
	ErrorSourceStop                  ErrorSource = "stop"
	ErrorSourceAudioStreaming        ErrorSource = "audio-streaming"
	ErrorSourceRestartExternal       ErrorSource = "restart-external"
	ErrorSourceRestartSystem         ErrorSource = "restart-system"
	ErrorSourcePublish               ErrorSource = "publish"
)

// CaptureErrorSource returns the capture tag for ch.
func CaptureErrorSource(ch Channel) ErrorSource {
	if ch == ChannelSystem {
		return ErrorSourceCaptureSystem
	}
	return ErrorSourceCaptureExternal
}

// TranscriptionErrorSource returns the transcription tag for ch.
func TranscriptionErrorSource(ch Channel) ErrorSource {
	if ch == ChannelSystem {
		return ErrorSourceTranscriptionSystem
	}
	return ErrorSourceTranscriptionExternal
}

// RestartErrorSource returns the restart tag for ch.
func RestartErrorSource(ch Channel) ErrorSource {
	if ch == ChannelSystem {
		return ErrorSourceRestartSystem
	}
	return ErrorSourceRestartExternal
}

// ChannelStatistics is a diagnostic snapshot of one channel.
type ChannelStatistics struct {
	BufferedSamples  int             `json:"bufferedSamples"`
	BufferedDuration time.Duration   `json:"bufferedDuration"`
	Connection       ConnectionState `json:"connection"`
	Capturing        bool            `json:"capturing"`
}

// Statistics is a diagnostic snapshot of the whole pipeline.
type Statistics struct {
	External  ChannelStatistics `json:"external"`
	System    ChannelStatistics `json:"system"`
	Capturing bool              `json:"capturing"`
	Uptime    time.Duration     `json:"uptime"`
	Messages  int               `json:"messages"`
}
