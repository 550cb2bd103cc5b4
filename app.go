package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"interviewcopilot/internal/bootstrap"
	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/usecase"
)

const (
	eventTranscription = "copilot:transcription"
	eventStatus        = "copilot:status"
	eventLevels        = "copilot:levels"
	eventError         = "copilot:error"
)

type clipboard interface {
	SetText(ctx context.Context, text string) error
}

// App is the Wails application root.
type App struct {
	ctx context.Context

	services   *bootstrap.Services
	controller *usecase.DualChannelController
	clipboard  clipboard
	bootErr    error

	// emit is runtime.EventsEmit outside of tests.
	emit func(ctx context.Context, name string, data ...interface{})
}

func NewApp() *App {
	return &App{clipboard: wailsClipboard{}, emit: runtime.EventsEmit}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(ctx, a)
	if err != nil {
		a.bootErr = err
		a.Error(domain.ErrorSourceInitialization, err)
		return
	}
	a.attach(ctx, services)
}

// attach binds services and opens the transcription channels in the
// background. The returned channel is closed when that attempt ends.
func (a *App) attach(ctx context.Context, services *bootstrap.Services) <-chan struct{} {
	a.services = services
	a.controller = services.Controller

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.controller.Initialize(ctx); err != nil {
			// Reported by the controller; Start retries.
			return
		}
		a.StatusUpdate(a.controller.Status())
	}()
	return done
}

func (a *App) shutdown(ctx context.Context) {
	if a.services == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = a.services.Close(shutdownCtx)
}

// Start begins capturing and transcribing both channels.
func (a *App) Start() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Start(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// Stop ends the running session.
func (a *App) Stop() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.controller.Stop()
	return a.controller.Status(), err
}

// RestartChannel reconnects transcription for "external" or "system".
func (a *App) RestartChannel(channel string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	ch := domain.Channel(strings.ToLower(strings.TrimSpace(channel)))
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return a.controller.RestartChannel(a.ctx, ch)
}

// GetStatus returns the aggregated channel status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		return domain.Status{}
	}
	return a.controller.Status()
}

// GetMessages returns the reconciled transcript log.
func (a *App) GetMessages() []domain.ChatMessage {
	if a.controller == nil {
		return []domain.ChatMessage{}
	}
	return a.controller.Messages()
}

// GetStatistics returns buffer and connection diagnostics.
func (a *App) GetStatistics() domain.Statistics {
	if a.controller == nil {
		return domain.Statistics{}
	}
	return a.controller.Statistics()
}

// ClearTranscript empties the transcript log.
func (a *App) ClearTranscript() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.controller.ClearTranscript()
	return nil
}

// GetAudioDevices lists platform audio devices.
func (a *App) GetAudioDevices() []domain.DeviceInfo {
	if a.controller == nil {
		return []domain.DeviceInfo{}
	}
	return a.controller.Devices(a.ctx)
}

// CopyTranscript copies the final transcript to the clipboard and returns it.
func (a *App) CopyTranscript() (string, error) {
	if err := a.requireReady(); err != nil {
		return "", err
	}
	text := a.controller.Transcript()
	if text == "" {
		return "", errors.New("transcript is empty")
	}
	if err := a.clipboard.SetText(a.ctx, text); err != nil {
		return text, fmt.Errorf("copy transcript: %w", err)
	}
	return text, nil
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	if a.services == nil {
		return map[string]string{}
	}

	cfg := a.services.Config
	info := map[string]string{
		"provider":       cfg.Transcription.Provider,
		"externalDevice": cfg.Audio.External.Device,
		"systemDevice":   cfg.Audio.System.Device,
		"inputFormat":    cfg.Audio.InputFormat,
		"rulesFile":      cfg.Rules.Path,
		"metricsAddr":    cfg.Observability.Addr,
	}
	switch cfg.Transcription.Provider {
	case "google":
		info["model"] = cfg.Transcription.Google.Model
		info["language"] = cfg.Transcription.Google.LanguageCode
	default:
		info["model"] = cfg.Transcription.Deepgram.Model
		info["language"] = cfg.Transcription.Deepgram.Language
	}
	if a.services.Publisher.Enabled() {
		info["kafkaTopic"] = cfg.Kafka.Topic
	}
	return info
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// Transcription emits a new or updated transcript message.
func (a *App) Transcription(msg domain.ChatMessage) {
	a.send(eventTranscription, msg)
}

// StatusUpdate emits the aggregated channel status.
func (a *App) StatusUpdate(status domain.Status) {
	a.send(eventStatus, status)
}

// AudioLevels emits the levels of both channels.
func (a *App) AudioLevels(levels domain.AudioLevels) {
	a.send(eventLevels, levels)
}

// Error emits a pipeline error to the UI.
func (a *App) Error(source domain.ErrorSource, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	a.send(eventError, map[string]string{
		"source":  string(source),
		"message": errorMessage(source),
		"detail":  detail,
	})
}

func (a *App) send(name string, data interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, data)
}

func errorMessage(source domain.ErrorSource) string {
	switch source {
	case domain.ErrorSourceCaptureExternal:
		return "Microphone capture failed"
	case domain.ErrorSourceCaptureSystem:
		return "System audio capture failed"
	case domain.ErrorSourceTranscriptionExternal:
		return "External channel transcription error"
	case domain.ErrorSourceTranscriptionSystem:
		return "System channel transcription error"
	case domain.ErrorSourceInitialization:
		return "Startup failed"
	case domain.ErrorSourceStart:
		return "Could not start session"
	case domain.ErrorSourceStop:
		return "Session did not stop cleanly"
	case domain.ErrorSourceAudioStreaming:
		return "Audio streaming issue"
	case domain.ErrorSourceRestartExternal, domain.ErrorSourceRestartSystem:
		return "Channel restart failed"
	case domain.ErrorSourcePublish:
		return "Transcript publish failed"
	default:
		return "Unknown error"
	}
}

type wailsClipboard struct{}

func (wailsClipboard) SetText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(ctx, text)
}
