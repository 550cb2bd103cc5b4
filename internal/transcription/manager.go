// Package transcription keeps one streaming recognition session per channel
// alive, feeds it audio and normalizes what comes back.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/observability/metrics"
	"interviewcopilot/internal/ports"
)

var (
	ErrRetriesExhausted = errors.New("transcription connect retries exhausted")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrConnectAborted   = errors.New("transcription connect aborted")
)

// Config holds the connection policy. Zero values take the defaults below.
type Config struct {
	Streaming      ports.StreamingConfig
	MaxRetries     int
	RetryBaseDelay time.Duration
	ReconnectDelay time.Duration
	HealthInterval time.Duration
	RestartDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	if c.Streaming.SampleRate <= 0 {
		c.Streaming.SampleRate = 48000
	}
	if c.Streaming.Channels <= 0 {
		c.Streaming.Channels = 1
	}
	if c.Streaming.Encoding == "" {
		c.Streaming.Encoding = "linear16"
	}
	return c
}

// Listener receives manager events. Nil fields are skipped.
type Listener struct {
	OnTranscription      func(domain.TranscriptionEvent)
	OnConnectionState    func(domain.Channel, domain.ConnectionState)
	OnTranscriptionError func(domain.Channel, error)
}

// WaitFunc pauses for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Manager owns the external and system recognition sessions.
type Manager struct {
	provider ports.TranscriptionProvider
	cfg      Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	dropLog  zerolog.Logger
	wait     WaitFunc
	now      func() time.Time

	mu         sync.Mutex
	channels   map[domain.Channel]*channelSession
	base       context.Context
	baseCancel context.CancelFunc
	monitoring bool
	wg         sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

type channelSession struct {
	channel          domain.Channel
	state            domain.ConnectionState
	session          ports.StreamingSession
	cancelSession    context.CancelFunc
	generation       uint64
	wanted           bool
	reconnectPending bool
	lastActivity     time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithWait replaces the backoff and reconnect pause.
func WithWait(wait WaitFunc) Option {
	return func(m *Manager) { m.wait = wait }
}

// WithClock replaces the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(provider ports.TranscriptionProvider, cfg Config, m *metrics.Metrics, opts ...Option) *Manager {
	if m == nil {
		m = metrics.Default()
	}
	logger := logging.WithComponent("transcription")
	mgr := &Manager{
		provider:  provider,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		logger:    logger,
		dropLog:   logger.Sample(&zerolog.BasicSampler{N: 50}),
		wait:      sleep,
		now:       time.Now,
		channels:  map[domain.Channel]*channelSession{},
		listeners: map[int]Listener{},
	}
	for _, ch := range domain.Channels {
		mgr.channels[ch] = &channelSession{channel: ch, state: domain.ConnectionDisconnected}
	}
	mgr.base, mgr.baseCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
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

// Connect opens the session for ch, retrying failed attempts with a
// progressive delay. Once the retry ceiling is reached the channel is left in
// the error state and an error wrapping ErrRetriesExhausted is returned.
func (m *Manager) Connect(ctx context.Context, ch domain.Channel) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}

	m.mu.Lock()
	if m.base.Err() != nil {
		m.mu.Unlock()
		return ErrConnectAborted
	}
	cs := m.channels[ch]
	if cs.state == domain.ConnectionConnected || cs.state == domain.ConnectionConnecting {
		m.mu.Unlock()
		return nil
	}
	cs.wanted = true
	cs.state = domain.ConnectionConnecting
	gen := cs.generation
	base := m.base
	m.mu.Unlock()
	m.notifyState(ch, domain.ConnectionConnecting)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	logger := logging.WithChannel("transcription", ch)
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		session, cancelSession, err := m.dial(base, attemptCtx)
		m.metrics.RecordConnectAttempt(string(ch), err)
		if err == nil {
			return m.install(cs, gen, session, cancelSession)
		}
		if attemptCtx.Err() != nil {
			m.abandon(cs, gen)
			return fmt.Errorf("%w: %w", ErrConnectAborted, attemptCtx.Err())
		}

		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transcription connect failed")
		if attempt == m.cfg.MaxRetries {
			break
		}
		delay := m.cfg.RetryBaseDelay * time.Duration(attempt+1)
		if err := m.wait(attemptCtx, delay); err != nil {
			m.abandon(cs, gen)
			return fmt.Errorf("%w: %w", ErrConnectAborted, err)
		}
		if !m.current(cs, gen) {
			return ErrConnectAborted
		}
	}

	err := fmt.Errorf("%s channel: %w: %w", ch, ErrRetriesExhausted, lastErr)
	m.mu.Lock()
	if cs.generation != gen {
		m.mu.Unlock()
		return ErrConnectAborted
	}
	cs.state = domain.ConnectionError
	cs.wanted = false
	m.mu.Unlock()

	logger.Error().Err(err).Msg("giving up on transcription connect")
	m.notifyState(ch, domain.ConnectionError)
	m.notifyError(ch, err)
	return err
}

// dial opens a session that lives until base ends or the session is
// released. Cancelling ctx aborts only the dial itself.
func (m *Manager) dial(base, ctx context.Context) (ports.StreamingSession, context.CancelFunc, error) {
	sessionCtx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(ctx, cancel)
	session, err := m.provider.StartStreaming(sessionCtx, m.cfg.Streaming)
	if !stop() {
		if err == nil {
			_ = session.Close()
			err = ctx.Err()
		}
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return session, cancel, nil
}

func (m *Manager) install(cs *channelSession, gen uint64, session ports.StreamingSession, cancelSession context.CancelFunc) error {
	m.mu.Lock()
	if cs.generation != gen {
		m.mu.Unlock()
		_ = session.Close()
		cancelSession()
		return ErrConnectAborted
	}
	cs.generation++
	cs.session = session
	cs.cancelSession = cancelSession
	cs.state = domain.ConnectionConnected
	cs.lastActivity = m.now()
	current := cs.generation
	m.wg.Add(1)
	m.mu.Unlock()

	go m.consume(cs, current, session)

	m.metrics.RecordConnected(string(cs.channel), true)
	logger := logging.WithChannel("transcription", cs.channel)
	logger.Info().Msg("transcription connected")
	m.notifyState(cs.channel, domain.ConnectionConnected)
	return nil
}

// abandon resets a channel whose connect was cancelled by the caller.
func (m *Manager) abandon(cs *channelSession, gen uint64) {
	m.mu.Lock()
	if cs.generation != gen {
		m.mu.Unlock()
		return
	}
	cs.state = domain.ConnectionDisconnected
	cs.wanted = false
	m.mu.Unlock()
	m.notifyState(cs.channel, domain.ConnectionDisconnected)
}

func (m *Manager) current(cs *channelSession, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cs.generation == gen
}

// consume forwards session events in receive order until the session ends.
func (m *Manager) consume(cs *channelSession, gen uint64, session ports.StreamingSession) {
	defer m.wg.Done()

	for event := range session.Events() {
		if strings.TrimSpace(event.Text) == "" {
			continue
		}
		event.Source = cs.channel
		event.ReceivedAt = m.now()

		m.mu.Lock()
		cs.lastActivity = event.ReceivedAt
		m.mu.Unlock()

		m.metrics.RecordTranscriptReceived(string(cs.channel), event.IsFinal)
		m.notifyTranscription(event)
	}
	err := session.Wait()

	m.mu.Lock()
	if cs.generation != gen {
		m.mu.Unlock()
		return
	}
	cs.session = nil
	cancelSession := cs.cancelSession
	cs.cancelSession = nil
	state := domain.ConnectionDisconnected
	if err != nil {
		state = domain.ConnectionError
	}
	cs.state = state
	wanted := cs.wanted
	m.mu.Unlock()
	if cancelSession != nil {
		cancelSession()
	}

	m.metrics.RecordConnected(string(cs.channel), false)
	logger := logging.WithChannel("transcription", cs.channel)
	if err != nil {
		logger.Error().Err(err).Msg("transcription session ended")
	} else {
		logger.Warn().Msg("transcription session closed")
	}
	m.notifyState(cs.channel, state)
	if err != nil {
		m.notifyError(cs.channel, fmt.Errorf("%s channel session: %w", cs.channel, err))
	}
	if wanted {
		m.scheduleReconnect(cs.channel, "unexpected-close")
	}
}

// scheduleReconnect reconnects ch after the reconnect delay unless the
// channel is stopped, disconnected or already being reconnected meanwhile.
func (m *Manager) scheduleReconnect(ch domain.Channel, trigger string) {
	m.mu.Lock()
	cs := m.channels[ch]
	if cs.reconnectPending || !cs.wanted {
		m.mu.Unlock()
		return
	}
	cs.reconnectPending = true
	base := m.base
	gen := cs.generation
	m.wg.Add(1)
	m.mu.Unlock()

	logger := logging.WithChannel("transcription", ch)
	logger.Info().
		Str("trigger", trigger).
		Dur("delay", m.cfg.ReconnectDelay).
		Msg("scheduling transcription reconnect")

	go func() {
		defer m.wg.Done()
		err := m.wait(base, m.cfg.ReconnectDelay)

		m.mu.Lock()
		cs.reconnectPending = false
		proceed := err == nil && cs.wanted && cs.generation == gen &&
			cs.state != domain.ConnectionConnected && cs.state != domain.ConnectionConnecting
		m.mu.Unlock()
		if !proceed {
			return
		}

		m.metrics.RecordReconnect(string(ch), trigger)
		_ = m.Connect(base, ch)
	}()
}

// StartHealthMonitoring periodically reconnects channels that should be
// live but are not. It runs until Stop.
func (m *Manager) StartHealthMonitoring() {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = true
	base := m.base
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-base.Done():
				return
			case <-ticker.C:
				m.checkHealth()
			}
		}
	}()
}

func (m *Manager) checkHealth() {
	var stale []domain.Channel
	m.mu.Lock()
	for _, ch := range domain.Channels {
		cs := m.channels[ch]
		if cs.wanted && !cs.reconnectPending &&
			cs.state != domain.ConnectionConnected && cs.state != domain.ConnectionConnecting {
			stale = append(stale, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range stale {
		m.logger.Warn().Str("channel", string(ch)).Msg("health check found channel down")
		m.scheduleReconnect(ch, "health")
	}
}

// Send forwards chunk to the channel's session. Chunks for a channel that is
// not connected are dropped and false is returned.
func (m *Manager) Send(ch domain.Channel, chunk domain.EncodedAudioChunk) bool {
	if len(chunk.Buffer) == 0 {
		return false
	}

	m.mu.Lock()
	cs, ok := m.channels[ch]
	var session ports.StreamingSession
	var state domain.ConnectionState
	if ok {
		session = cs.session
		state = cs.state
	}
	m.mu.Unlock()

	if session == nil || state != domain.ConnectionConnected {
		m.metrics.RecordChunkDropped(string(ch), "not-connected")
		m.dropLog.Warn().
			Str("channel", string(ch)).
			Str("state", string(state)).
			Int("bytes", len(chunk.Buffer)).
			Msg("dropping audio for channel that is not connected")
		return false
	}

	if err := session.SendAudio(chunk.Buffer); err != nil {
		m.metrics.RecordChunkDropped(string(ch), "send-error")
		m.dropLog.Warn().Err(err).Str("channel", string(ch)).Msg("sending audio failed")
		return false
	}
	m.metrics.RecordChunkSent(string(ch), len(chunk.Buffer))
	return true
}

// Disconnect closes ch's session without scheduling a reconnect.
func (m *Manager) Disconnect(ch domain.Channel) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	session, cancelSession, changed := m.release(m.channels[ch])
	m.closeSession(ch, session, cancelSession)
	if changed {
		m.notifyState(ch, domain.ConnectionDisconnected)
	}
	return nil
}

// Reconnect closes ch's session, lets the service settle and connects again.
// The other channel is not touched.
func (m *Manager) Reconnect(ctx context.Context, ch domain.Channel) error {
	if err := m.Disconnect(ch); err != nil {
		return err
	}
	m.metrics.RecordReconnect(string(ch), "manual")
	if err := m.wait(ctx, m.cfg.RestartDelay); err != nil {
		return err
	}
	return m.Connect(ctx, ch)
}

// Stop closes every session, cancels pending reconnects and health checks and
// resets both channels to disconnected. It is safe to call repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.baseCancel()
	m.monitoring = false
	m.mu.Unlock()

	for _, ch := range domain.Channels {
		session, cancelSession, changed := m.release(m.channels[ch])
		m.closeSession(ch, session, cancelSession)
		if changed {
			m.notifyState(ch, domain.ConnectionDisconnected)
		}
	}
	m.wg.Wait()

	m.mu.Lock()
	m.base, m.baseCancel = context.WithCancel(context.Background())
	for _, cs := range m.channels {
		cs.reconnectPending = false
	}
	m.mu.Unlock()
}

func (m *Manager) release(cs *channelSession) (ports.StreamingSession, context.CancelFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, cancelSession := cs.session, cs.cancelSession
	changed := cs.state != domain.ConnectionDisconnected
	cs.wanted = false
	cs.generation++
	cs.session = nil
	cs.cancelSession = nil
	cs.state = domain.ConnectionDisconnected
	return session, cancelSession, changed
}

func (m *Manager) closeSession(ch domain.Channel, session ports.StreamingSession, cancelSession context.CancelFunc) {
	if cancelSession != nil {
		defer cancelSession()
	}
	if session == nil {
		return
	}
	m.metrics.RecordConnected(string(ch), false)
	if err := session.Close(); err != nil {
		logger := logging.WithChannel("transcription", ch)
		logger.Debug().Err(err).Msg("closing session")
	}
}

// State reports ch's connection state.
func (m *Manager) State(ch domain.Channel) domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.channels[ch]
	if !ok {
		return domain.ConnectionDisconnected
	}
	return cs.state
}

// LastActivity is when ch last connected or produced a transcript.
func (m *Manager) LastActivity(ch domain.Channel) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.channels[ch]
	if !ok {
		return time.Time{}
	}
	return cs.lastActivity
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

func (m *Manager) notifyTranscription(event domain.TranscriptionEvent) {
	for _, l := range m.snapshotListeners() {
		if l.OnTranscription != nil {
			l.OnTranscription(event)
		}
	}
}

func (m *Manager) notifyState(ch domain.Channel, state domain.ConnectionState) {
	for _, l := range m.snapshotListeners() {
		if l.OnConnectionState != nil {
			l.OnConnectionState(ch, state)
		}
	}
}

func (m *Manager) notifyError(ch domain.Channel, err error) {
	for _, l := range m.snapshotListeners() {
		if l.OnTranscriptionError != nil {
			l.OnTranscriptionError(ch, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
