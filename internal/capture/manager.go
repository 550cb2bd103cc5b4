// Package capture owns the two audio inputs and turns them into frames and levels.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"interviewcopilot/internal/audio"
	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/observability/metrics"
	"interviewcopilot/internal/ports"
)

var (
	ErrNotInitialized   = errors.New("capture manager is not initialized")
	ErrAlreadyCapturing = errors.New("capture already running")
	ErrNoChannels       = errors.New("no audio channel could be acquired")
)

// State is the capture lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateCapturing     State = "capturing"
	StateStopped       State = "stopped"
)

// Config selects the device and framing for each channel.
type Config struct {
	External      ports.AudioConfig
	System        ports.AudioConfig
	FrameSamples  int
	LevelInterval time.Duration
}

func (c Config) device(ch domain.Channel) ports.AudioConfig {
	if ch == domain.ChannelSystem {
		return c.System
	}
	return c.External
}

// Listener receives capture events. Nil fields are skipped.
type Listener struct {
	OnAudioFrame   func(domain.AudioFrame)
	OnAudioLevels  func(domain.AudioLevels)
	OnCaptureError func(domain.Channel, error)
}

// Manager acquires the external and system inputs independently, pumps
// frames from each and meters both levels on a fixed tick.
type Manager struct {
	capture ports.AudioCapture
	devices ports.DeviceLister
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	state    State
	channels map[domain.Channel]*channelCapture
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

type channelCapture struct {
	channel domain.Channel
	device  ports.AudioConfig
	session ports.AudioSession

	mu         sync.Mutex
	active     bool
	sumSquares float64
	count      int
	level      float64
}

func NewManager(capture ports.AudioCapture, devices ports.DeviceLister, cfg Config, m *metrics.Metrics) *Manager {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 4096
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = 100 * time.Millisecond
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Manager{
		capture:   capture,
		devices:   devices,
		cfg:       cfg,
		metrics:   m,
		logger:    logging.WithComponent("capture"),
		state:     StateUninitialized,
		channels:  map[domain.Channel]*channelCapture{},
		listeners: map[int]Listener{},
	}
}

// Subscribe registers l and returns a func that removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

// Initialize prepares the manager for capture. It is a no-op once initialized.
func (m *Manager) Initialize() error {
	if m.capture == nil {
		return errors.New("no audio capture backend configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateUninitialized || m.state == StateStopped {
		m.state = StateInitialized
		m.logger.Info().Msg("capture initialized")
	}
	return nil
}

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartCapture acquires both inputs and starts streaming frames. A channel
// that cannot be acquired is reported through OnCaptureError and skipped;
// only when neither can be acquired does it fail with ErrNoChannels.
// Calling it while already capturing returns ErrAlreadyCapturing.
func (m *Manager) StartCapture(ctx context.Context) ([]domain.Channel, error) {
	m.mu.Lock()
	switch m.state {
	case StateUninitialized:
		m.mu.Unlock()
		return nil, ErrNotInitialized
	case StateCapturing:
		m.mu.Unlock()
		return nil, ErrAlreadyCapturing
	}
	m.mu.Unlock()

	captureCtx, cancel := context.WithCancel(ctx)
	acquired := map[domain.Channel]*channelCapture{}
	var errs []error
	for _, ch := range domain.Channels {
		device := m.cfg.device(ch)
		session, err := m.capture.Start(captureCtx, device)
		if err != nil {
			err = fmt.Errorf("acquire %s input %q: %w", ch, device.InputDevice, err)
			m.logger.Error().Err(err).Str("channel", string(ch)).Msg("capture acquisition failed")
			m.metrics.RecordCaptureError(string(ch))
			m.notifyError(ch, err)
			errs = append(errs, err)
			continue
		}
		acquired[ch] = &channelCapture{channel: ch, device: device, session: session, active: true}
	}

	if len(acquired) == 0 {
		cancel()
		return nil, errors.Join(append([]error{ErrNoChannels}, errs...)...)
	}

	m.mu.Lock()
	if m.state == StateCapturing {
		m.mu.Unlock()
		cancel()
		for _, cc := range acquired {
			_ = cc.session.Stop()
		}
		return nil, ErrAlreadyCapturing
	}
	m.state = StateCapturing
	m.channels = acquired
	m.cancel = cancel
	m.mu.Unlock()

	started := make([]domain.Channel, 0, len(acquired))
	for _, ch := range domain.Channels {
		cc, ok := acquired[ch]
		if !ok {
			continue
		}
		started = append(started, ch)
		m.wg.Add(1)
		go m.pump(captureCtx, cc)
	}
	m.wg.Add(1)
	go m.meter(captureCtx)

	m.logger.Info().Int("channels", len(started)).Msg("capture started")
	return started, nil
}

// StopCapture releases every acquired input. It is safe to call at any time.
func (m *Manager) StopCapture() error {
	m.mu.Lock()
	cancel := m.cancel
	channels := m.channels
	wasCapturing := m.state == StateCapturing
	m.cancel = nil
	m.channels = map[domain.Channel]*channelCapture{}
	if m.state != StateUninitialized {
		m.state = StateStopped
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	for _, cc := range channels {
		cc.setActive(false)
		if err := cc.session.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s input: %w", cc.channel, err))
		}
	}
	m.wg.Wait()

	if wasCapturing {
		m.logger.Info().Msg("capture stopped")
	}
	return errors.Join(errs...)
}

// IsCapturing reports whether ch currently delivers frames.
func (m *Manager) IsCapturing(ch domain.Channel) bool {
	m.mu.Lock()
	cc := m.channels[ch]
	m.mu.Unlock()
	return cc != nil && cc.isActive()
}

// Levels returns the last metered level per channel.
func (m *Manager) Levels() domain.AudioLevels {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.AudioLevels{
		External: m.channels[domain.ChannelExternal].lastLevel(),
		System:   m.channels[domain.ChannelSystem].lastLevel(),
	}
}

// GetAudioDevices lists platform devices; failures yield an empty list.
func (m *Manager) GetAudioDevices(ctx context.Context) []domain.DeviceInfo {
	if m.devices == nil {
		return []domain.DeviceInfo{}
	}
	devices, err := m.devices.ListDevices(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("device enumeration failed")
		return []domain.DeviceInfo{}
	}
	if devices == nil {
		return []domain.DeviceInfo{}
	}
	return devices
}

func (m *Manager) pump(ctx context.Context, cc *channelCapture) {
	defer m.wg.Done()

	device := cc.device
	rate := device.SampleRate
	if rate <= 0 {
		rate = audio.TargetSampleRate
	}
	channelCount := device.Channels
	if channelCount <= 0 {
		channelCount = 1
	}

	reader := audio.NewFrameReader(cc.session, m.cfg.FrameSamples)
	for {
		samples, err := reader.Next()
		if len(samples) > 0 {
			frame := domain.AudioFrame{
				Samples:      samples,
				SampleRateHz: rate,
				ChannelCount: channelCount,
				CapturedAt:   time.Now(),
				Source:       cc.channel,
			}
			cc.accumulate(samples)
			m.metrics.RecordFrame(string(cc.channel))
			m.notifyFrame(frame)
		}
		if err == nil {
			continue
		}

		cc.setActive(false)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			err = errors.New("audio stream ended")
		}
		err = fmt.Errorf("%s input: %w", cc.channel, err)
		m.logger.Error().Err(err).Str("channel", string(cc.channel)).Msg("capture stream failed")
		m.metrics.RecordCaptureError(string(cc.channel))
		m.notifyError(cc.channel, err)
		return
	}
}

func (m *Manager) meter(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.LevelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		external := m.channels[domain.ChannelExternal]
		system := m.channels[domain.ChannelSystem]
		m.mu.Unlock()

		levels := domain.AudioLevels{External: external.takeLevel(), System: system.takeLevel()}
		m.metrics.RecordLevel(string(domain.ChannelExternal), levels.External)
		m.metrics.RecordLevel(string(domain.ChannelSystem), levels.System)
		m.notifyLevels(levels)
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	out := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

func (m *Manager) notifyFrame(frame domain.AudioFrame) {
	for _, l := range m.snapshotListeners() {
		if l.OnAudioFrame != nil {
			l.OnAudioFrame(frame)
		}
	}
}

func (m *Manager) notifyLevels(levels domain.AudioLevels) {
	for _, l := range m.snapshotListeners() {
		if l.OnAudioLevels != nil {
			l.OnAudioLevels(levels)
		}
	}
}

func (m *Manager) notifyError(ch domain.Channel, err error) {
	for _, l := range m.snapshotListeners() {
		if l.OnCaptureError != nil {
			l.OnCaptureError(ch, err)
		}
	}
}

func (c *channelCapture) accumulate(samples []float32) {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	c.mu.Lock()
	c.sumSquares += sum
	c.count += len(samples)
	c.mu.Unlock()
}

// takeLevel returns the RMS of everything accumulated since the last tick,
// clamped to [0, 1]. A tick without new samples keeps the previous level
// only while the channel is active.
func (c *channelCapture) takeLevel() float64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.count > 0:
		c.level = math.Min(1, math.Sqrt(c.sumSquares/float64(c.count)))
	case !c.active:
		c.level = 0
	}
	c.sumSquares = 0
	c.count = 0
	return c.level
}

func (c *channelCapture) lastLevel() float64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *channelCapture) setActive(active bool) {
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
}

func (c *channelCapture) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
