package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"interviewcopilot/internal/audio"
	"interviewcopilot/internal/capture"
	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/observability/metrics"
	"interviewcopilot/internal/ports"
	"interviewcopilot/internal/reconcile"
	"interviewcopilot/internal/transcription"
)

var (
	ErrNoAudioChannels = errors.New("no audio channel available")
	ErrSetupAborted    = errors.New("session setup aborted")
)

// Config controls buffering and the periodic loops of a session.
type Config struct {
	BufferDuration    time.Duration
	DrainInterval     time.Duration
	StatusInterval    time.Duration
	ConnectStagger    time.Duration
	ActivityThreshold float64
}

func (c Config) withDefaults() Config {
	if c.BufferDuration <= 0 {
		c.BufferDuration = 500 * time.Millisecond
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Second
	}
	if c.ConnectStagger < 0 {
		c.ConnectStagger = 0
	}
	if c.ActivityThreshold <= 0 {
		c.ActivityThreshold = 0.01
	}
	return c
}

// Dependencies are the collaborators a controller drives. Transformer and
// Publisher are optional.
type Dependencies struct {
	Capture       *capture.Manager
	Transcription *transcription.Manager
	Reconciler    *reconcile.Reconciler
	Transformer   ports.TextTransformer
	Publisher     ports.TranscriptPublisher
	Metrics       *metrics.Metrics
}

// Option customizes a controller.
type Option func(*DualChannelController)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *DualChannelController) { c.now = now }
}

// WithWait replaces the pause used between channel connects.
func WithWait(wait transcription.WaitFunc) Option {
	return func(c *DualChannelController) { c.wait = wait }
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(newID func() string) Option {
	return func(c *DualChannelController) { c.newSessionID = newID }
}

// DualChannelController runs capture, buffering, transcription and
// reconciliation for both channels as one session.
type DualChannelController struct {
	capture       *capture.Manager
	transcription *transcription.Manager
	reconciler    *reconcile.Reconciler
	transformer   ports.TextTransformer
	publisher     ports.TranscriptPublisher
	metrics       *metrics.Metrics
	cfg           Config
	logger        zerolog.Logger

	now          func() time.Time
	wait         transcription.WaitFunc
	newSessionID func() string

	// lifecycle serializes Initialize, Start and Stop.
	lifecycle sync.Mutex
	wg        sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	active      bool
	startedAt   time.Time
	sessionID   string
	runCtx      context.Context
	cancel      context.CancelFunc

	// abort cancels an Initialize or Start still in progress.
	abort context.CancelFunc

	pipelines map[domain.Channel]*pipeline

	sinksMu  sync.RWMutex
	sinks    map[int]ports.EventSink
	nextSink int

	unsubscribe []func()
}

type pipeline struct {
	mu           sync.Mutex
	buffer       *audio.Buffer
	rate         int
	channels     int
	lastActivity time.Time
}

func NewDualChannelController(deps Dependencies, cfg Config, opts ...Option) *DualChannelController {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	c := &DualChannelController{
		capture:       deps.Capture,
		transcription: deps.Transcription,
		reconciler:    deps.Reconciler,
		transformer:   deps.Transformer,
		publisher:     deps.Publisher,
		metrics:       deps.Metrics,
		cfg:           cfg.withDefaults(),
		logger:        logging.WithComponent("controller"),
		now:           time.Now,
		wait:          sleep,
		newSessionID:  uuid.NewString,
		pipelines:     make(map[domain.Channel]*pipeline, len(domain.Channels)),
		sinks:         make(map[int]ports.EventSink),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, ch := range domain.Channels {
		c.pipelines[ch] = &pipeline{}
	}

	c.unsubscribe = append(c.unsubscribe,
		c.capture.Subscribe(capture.Listener{
			OnAudioFrame:  c.handleFrame,
			OnAudioLevels: c.emitLevels,
			OnCaptureError: func(ch domain.Channel, err error) {
				c.emitError(domain.CaptureErrorSource(ch), err)
			},
		}),
		c.transcription.Subscribe(transcription.Listener{
			OnTranscription: c.handleTranscription,
			OnConnectionState: func(domain.Channel, domain.ConnectionState) {
				c.emitStatus()
			},
			OnTranscriptionError: func(ch domain.Channel, err error) {
				c.emitError(domain.TranscriptionErrorSource(ch), err)
			},
		}),
	)
	return c
}

// Subscribe registers sink for controller events and returns its
// unsubscribe function.
func (c *DualChannelController) Subscribe(sink ports.EventSink) func() {
	c.sinksMu.Lock()
	id := c.nextSink
	c.nextSink++
	c.sinks[id] = sink
	c.sinksMu.Unlock()

	return func() {
		c.sinksMu.Lock()
		delete(c.sinks, id)
		c.sinksMu.Unlock()
	}
}

// Initialize prepares capture and opens both transcription channels. It
// fails only when capture cannot be prepared or neither channel connects.
func (c *DualChannelController) Initialize(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	setupCtx, cancel := c.beginSetup(ctx)
	defer cancel()
	defer c.endSetup()
	return c.initializeLocked(setupCtx)
}

// beginSetup derives the context of an Initialize or Start call so that a
// concurrent Stop can abort it without waiting for the lifecycle lock.
func (c *DualChannelController) beginSetup(ctx context.Context) (context.Context, context.CancelFunc) {
	setupCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.abort = cancel
	c.mu.Unlock()
	return setupCtx, cancel
}

func (c *DualChannelController) endSetup() {
	c.mu.Lock()
	c.abort = nil
	c.mu.Unlock()
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrSetupAborted, context.Cause(ctx))
}

func (c *DualChannelController) initializeLocked(ctx context.Context) error {
	if c.isInitialized() {
		return nil
	}
	if err := c.capture.Initialize(); err != nil {
		err = fmt.Errorf("initialize capture: %w", err)
		c.emitError(domain.ErrorSourceInitialization, err)
		return err
	}

	var errs []error
	for i, ch := range domain.Channels {
		if i > 0 && c.cfg.ConnectStagger > 0 {
			if err := c.wait(ctx, c.cfg.ConnectStagger); err != nil {
				return aborted(ctx)
			}
		}
		if err := c.transcription.Connect(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return aborted(ctx)
			}
			c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("channel did not connect")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(domain.Channels) {
		err := fmt.Errorf("initialize transcription: %w", errors.Join(errs...))
		c.emitError(domain.ErrorSourceInitialization, err)
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.logger.Info().Int("failed_channels", len(errs)).Msg("controller initialized")
	return nil
}

// Start begins a session. A second call while active is a no-op.
func (c *DualChannelController) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.IsActive() {
		return nil
	}
	ctx, cancel := c.beginSetup(ctx)
	defer c.endSetup()
	if err := c.initializeLocked(ctx); err != nil {
		cancel()
		return err
	}

	started, err := c.capture.StartCapture(ctx)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		if errors.Is(err, capture.ErrNoChannels) {
			err = fmt.Errorf("%w: %w", ErrNoAudioChannels, err)
		}
		c.emitError(domain.ErrorSourceStart, err)
		return err
	}

	capturing := make(map[domain.Channel]bool, len(started))
	for _, ch := range started {
		capturing[ch] = true
	}
	for _, ch := range domain.Channels {
		if !capturing[ch] {
			c.logger.Warn().Str("channel", string(ch)).Msg("channel not capturing, closing its transcription")
			_ = c.transcription.Disconnect(ch)
			continue
		}
		switch c.transcription.State(ch) {
		case domain.ConnectionConnected, domain.ConnectionConnecting:
		default:
			if err := c.transcription.Connect(ctx, ch); err != nil {
				c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("channel did not connect on start")
			}
		}
	}
	if ctx.Err() != nil {
		cancel()
		_ = c.capture.StopCapture()
		return aborted(ctx)
	}
	c.transcription.StartHealthMonitoring()

	sessionID := c.newSessionID()
	c.mu.Lock()
	c.active = true
	c.startedAt = c.now()
	c.sessionID = sessionID
	c.runCtx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.drainLoop(ctx)
	go c.statusLoop(ctx)

	c.metrics.RecordSessionActive(true)
	logger := logging.WithSession("controller", sessionID)
	logger.Info().Int("channels", len(started)).Msg("session started")
	c.emitStatus()
	return nil
}

// Stop ends the session and releases capture and transcription. It is
// safe to call at any time: an Initialize or Start still connecting is
// cancelled, and both channels end up disconnected.
func (c *DualChannelController) Stop() error {
	c.mu.Lock()
	abort := c.abort
	c.mu.Unlock()
	if abort != nil {
		abort()
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	active, cancel, sessionID := c.active, c.cancel, c.sessionID
	c.active = false
	c.initialized = false
	c.cancel = nil
	c.runCtx = nil
	c.startedAt = time.Time{}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	var errs []error
	if err := c.capture.StopCapture(); err != nil {
		err = fmt.Errorf("stop capture: %w", err)
		c.emitError(domain.ErrorSourceStop, err)
		errs = append(errs, err)
	}
	c.transcription.Stop()
	for _, p := range c.pipelines {
		p.reset()
	}

	if active {
		c.metrics.RecordSessionActive(false)
		logger := logging.WithSession("controller", sessionID)
		logger.Info().Msg("session stopped")
	}
	c.emitStatus()
	return errors.Join(errs...)
}

// Close stops the session and detaches from the managers.
func (c *DualChannelController) Close() error {
	err := c.Stop()
	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}
	c.unsubscribe = nil
	return err
}

// RestartChannel reconnects the transcription session of ch alone.
func (c *DualChannelController) RestartChannel(ctx context.Context, ch domain.Channel) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %q", transcription.ErrUnknownChannel, ch)
	}
	c.logger.Info().Str("channel", string(ch)).Msg("restarting channel")
	if err := c.transcription.Reconnect(ctx, ch); err != nil {
		err = fmt.Errorf("restart %s channel: %w", ch, err)
		c.emitError(domain.RestartErrorSource(ch), err)
		return err
	}
	c.emitStatus()
	return nil
}

// IsActive reports whether a session is running.
func (c *DualChannelController) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *DualChannelController) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Ready reports whether the controller is initialized and at least one
// channel is connected.
func (c *DualChannelController) Ready() bool {
	if !c.isInitialized() {
		return false
	}
	for _, ch := range domain.Channels {
		if c.transcription.State(ch) == domain.ConnectionConnected {
			return true
		}
	}
	return false
}

// SessionID returns the id of the running session, if any.
func (c *DualChannelController) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ""
	}
	return c.sessionID
}

// Status builds the aggregated snapshot for both channels.
func (c *DualChannelController) Status() domain.Status {
	c.mu.Lock()
	active, startedAt := c.active, c.startedAt
	c.mu.Unlock()

	levels := c.capture.Levels()
	status := domain.Status{
		External: c.channelStatus(domain.ChannelExternal, levels.External),
		System:   c.channelStatus(domain.ChannelSystem, levels.System),
		Overall:  domain.OverallStatus{Active: active},
	}
	if active {
		status.Overall.StartedAt = &startedAt
		status.Overall.Duration = c.now().Sub(startedAt)
	}
	return status
}

func (c *DualChannelController) channelStatus(ch domain.Channel, level float64) domain.ChannelStatus {
	state := c.transcription.State(ch)
	capturing := c.capture.IsCapturing(ch)
	connected := state == domain.ConnectionConnected

	last := c.transcription.LastActivity(ch)
	if heard := c.pipelines[ch].activity(); heard.After(last) {
		last = heard
	}
	return domain.ChannelStatus{
		Connected:    connected,
		Capturing:    capturing,
		Transcribing: connected && capturing,
		AudioLevel:   level,
		LastActivity: last,
		State:        state,
	}
}

// Statistics returns a diagnostic snapshot of buffers and connections.
func (c *DualChannelController) Statistics() domain.Statistics {
	c.mu.Lock()
	active, startedAt := c.active, c.startedAt
	c.mu.Unlock()

	stats := domain.Statistics{
		External:  c.channelStatistics(domain.ChannelExternal),
		System:    c.channelStatistics(domain.ChannelSystem),
		Capturing: active,
		Messages:  c.reconciler.Len(),
	}
	if active {
		stats.Uptime = c.now().Sub(startedAt)
	}
	return stats
}

func (c *DualChannelController) channelStatistics(ch domain.Channel) domain.ChannelStatistics {
	samples, duration := c.pipelines[ch].size()
	return domain.ChannelStatistics{
		BufferedSamples:  samples,
		BufferedDuration: duration,
		Connection:       c.transcription.State(ch),
		Capturing:        c.capture.IsCapturing(ch),
	}
}

// Messages returns the reconciled transcript log.
func (c *DualChannelController) Messages() []domain.ChatMessage {
	return c.reconciler.Messages()
}

// Transcript renders the final messages as plain text.
func (c *DualChannelController) Transcript() string {
	return c.reconciler.Transcript()
}

// ClearTranscript empties the log and the dedup memory.
func (c *DualChannelController) ClearTranscript() {
	c.reconciler.Reset()
	c.logger.Info().Msg("transcript cleared")
}

// AudioLevels returns the most recent level of both channels.
func (c *DualChannelController) AudioLevels() domain.AudioLevels {
	return c.capture.Levels()
}

// Devices lists the platform audio devices.
func (c *DualChannelController) Devices(ctx context.Context) []domain.DeviceInfo {
	return c.capture.GetAudioDevices(ctx)
}

func (c *DualChannelController) handleFrame(frame domain.AudioFrame) {
	p, ok := c.pipelines[frame.Source]
	if !ok {
		return
	}
	if err := p.append(frame, c.cfg.BufferDuration, c.cfg.ActivityThreshold); err != nil {
		c.emitError(domain.ErrorSourceAudioStreaming, fmt.Errorf("%s channel buffer: %w", frame.Source, err))
	}
}

func (c *DualChannelController) drainLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drain()
		}
	}
}

// drain forwards everything buffered on each channel as one encoded chunk.
func (c *DualChannelController) drain() {
	for _, ch := range domain.Channels {
		samples, rate, channels := c.pipelines[ch].take()
		if len(samples) == 0 {
			continue
		}
		chunk := audio.ProcessForTranscription(samples, rate, channels)
		chunk.CapturedAt = c.now()
		c.transcription.Send(ch, chunk)
	}
}

func (c *DualChannelController) statusLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitStatus()
		}
	}
}

func (c *DualChannelController) handleTranscription(event domain.TranscriptionEvent) {
	if c.transformer != nil {
		text, err := c.transformer.Apply(event.Text)
		if err != nil {
			c.logger.Warn().Err(err).Msg("text rules failed, keeping original text")
		} else {
			event.Text = text
		}
	}

	msg, ok := c.reconciler.Accept(event)
	if !ok {
		return
	}
	c.emitTranscription(msg)

	if msg.IsInterim || c.publisher == nil {
		return
	}
	c.mu.Lock()
	ctx, sessionID := c.runCtx, c.sessionID
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.publisher.PublishMessage(ctx, sessionID, msg); err != nil {
		c.emitError(domain.ErrorSourcePublish, err)
	}
}

func (c *DualChannelController) snapshotSinks() []ports.EventSink {
	c.sinksMu.RLock()
	defer c.sinksMu.RUnlock()
	out := make([]ports.EventSink, 0, len(c.sinks))
	for _, sink := range c.sinks {
		out = append(out, sink)
	}
	return out
}

func (c *DualChannelController) emitTranscription(msg domain.ChatMessage) {
	for _, sink := range c.snapshotSinks() {
		sink.Transcription(msg)
	}
}

func (c *DualChannelController) emitStatus() {
	status := c.Status()
	for _, sink := range c.snapshotSinks() {
		sink.StatusUpdate(status)
	}
}

func (c *DualChannelController) emitLevels(levels domain.AudioLevels) {
	for _, sink := range c.snapshotSinks() {
		sink.AudioLevels(levels)
	}
}

func (c *DualChannelController) emitError(source domain.ErrorSource, err error) {
	c.logger.Error().Err(err).Str("source", string(source)).Msg("pipeline error")
	for _, sink := range c.snapshotSinks() {
		sink.Error(source, err)
	}
}

// append buffers frame, rebuilding the buffer when the frame format changes.
func (p *pipeline) append(frame domain.AudioFrame, maxDuration time.Duration, threshold float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buffer == nil || p.rate != frame.SampleRateHz || p.channels != frame.ChannelCount {
		buffer, err := audio.NewBuffer(maxDuration, frame.SampleRateHz, frame.ChannelCount)
		if err != nil {
			return err
		}
		p.buffer, p.rate, p.channels = buffer, frame.SampleRateHz, frame.ChannelCount
	}
	p.buffer.Append(frame.Samples)
	if audio.ContainsSpeech(frame.Samples, threshold) {
		p.lastActivity = frame.CapturedAt
	}
	return nil
}

func (p *pipeline) take() ([]float32, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffer == nil {
		return nil, 0, 0
	}
	return p.buffer.Take(), p.rate, p.channels
}

func (p *pipeline) size() (int, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffer == nil {
		return 0, 0
	}
	return p.buffer.SizeSamples(), p.buffer.Duration()
}

func (p *pipeline) activity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

func (p *pipeline) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffer != nil {
		p.buffer.Clear()
	}
	p.lastActivity = time.Time{}
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
