// Package reconcile turns per-channel transcription events into a
// deduplicated, speaker-labelled message log.
package reconcile

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/observability/metrics"
)

// Config tunes acceptance and retention. Zero values take the defaults.
type Config struct {
	MinTextLength     int
	MinInterval       time.Duration
	MaxRememberedText int
	MaxMessages       int
	// SpeakerHeuristics lets phrasing override the channel's speaker.
	SpeakerHeuristics bool
}

func (c Config) withDefaults() Config {
	if c.MinTextLength <= 0 {
		c.MinTextLength = 3
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.MaxRememberedText <= 0 {
		c.MaxRememberedText = 100
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 100
	}
	return c
}

// Rejection reasons, also used as metric labels.
const (
	reasonTooShort  = "too-short"
	reasonDuplicate = "duplicate"
	reasonThrottled = "throttled"
)

// Reconciler decides which transcripts enter the message log. Interim text
// is shown as at most one pending message per speaker which the next interim
// or the accepted final replaces in place.
type Reconciler struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string

	mu          sync.Mutex
	messages    []domain.ChatMessage
	pending     map[domain.Speaker]string
	remembered  []string
	rememberSet map[string]struct{}
	lastFinalAt time.Time
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithIDs(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

func New(cfg Config, m *metrics.Metrics, opts ...Option) *Reconciler {
	if m == nil {
		m = metrics.Default()
	}
	r := &Reconciler{
		cfg:         cfg.withDefaults(),
		metrics:     m,
		logger:      logging.WithComponent("reconciler"),
		now:         time.Now,
		newID:       uuid.NewString,
		pending:     map[domain.Speaker]string{},
		rememberSet: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ShouldAddTranscript applies the acceptance rules to text and, when it is
// accepted, records it in the log. The first interim of a speaker appends a
// message; later interims from that speaker update it in place until a final
// replaces it.
func (r *Reconciler) ShouldAddTranscript(text string, isFinal bool, speaker domain.Speaker) bool {
	_, ok := r.add(text, isFinal, speaker)
	return ok
}

// Accept labels event with a speaker and runs it through ShouldAddTranscript,
// returning the message that entered the log.
func (r *Reconciler) Accept(event domain.TranscriptionEvent) (domain.ChatMessage, bool) {
	return r.add(event.Text, event.IsFinal, r.SpeakerFor(event.Source, event.Text))
}

func (r *Reconciler) add(text string, isFinal bool, speaker domain.Speaker) (domain.ChatMessage, bool) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < r.cfg.MinTextLength {
		r.reject(reasonTooShort, speaker, text)
		return domain.ChatMessage{}, false
	}

	r.mu.Lock()
	now := r.now()

	if !isFinal {
		msg := r.upsertPendingLocked(speaker, text, now)
		r.mu.Unlock()
		r.metrics.RecordTranscriptAccepted(string(speaker), false)
		return msg, true
	}

	key := normalize(text)
	if _, seen := r.rememberSet[key]; seen {
		r.dropPendingLocked(speaker)
		r.mu.Unlock()
		r.reject(reasonDuplicate, speaker, text)
		return domain.ChatMessage{}, false
	}
	if !r.lastFinalAt.IsZero() && now.Sub(r.lastFinalAt) < r.cfg.MinInterval {
		r.dropPendingLocked(speaker)
		r.mu.Unlock()
		r.reject(reasonThrottled, speaker, text)
		return domain.ChatMessage{}, false
	}

	r.rememberLocked(key)
	r.lastFinalAt = now
	msg := r.finalizeLocked(speaker, text, now)
	r.mu.Unlock()

	r.metrics.RecordTranscriptAccepted(string(speaker), true)
	r.logger.Debug().Str("speaker", string(speaker)).Str("id", msg.ID).Msg("final transcript accepted")
	return msg, true
}

func (r *Reconciler) reject(reason string, speaker domain.Speaker, text string) {
	r.metrics.RecordTranscriptRejected(reason)
	r.logger.Debug().Str("reason", reason).Str("speaker", string(speaker)).Str("text", text).Msg("transcript rejected")
}

func (r *Reconciler) upsertPendingLocked(speaker domain.Speaker, text string, now time.Time) domain.ChatMessage {
	if id, ok := r.pending[speaker]; ok {
		if i := r.indexLocked(id); i >= 0 {
			r.messages[i].Text = text
			r.messages[i].CreatedAt = now
			return r.messages[i]
		}
	}
	msg := domain.ChatMessage{ID: r.newID(), Text: text, CreatedAt: now, Speaker: speaker, IsInterim: true}
	r.pending[speaker] = msg.ID
	r.appendLocked(msg)
	return msg
}

// finalizeLocked turns the speaker's pending interim into the final message,
// keeping its id, or appends a new message when none is pending.
func (r *Reconciler) finalizeLocked(speaker domain.Speaker, text string, now time.Time) domain.ChatMessage {
	if id, ok := r.pending[speaker]; ok {
		delete(r.pending, speaker)
		if i := r.indexLocked(id); i >= 0 {
			r.messages[i].Text = text
			r.messages[i].CreatedAt = now
			r.messages[i].IsInterim = false
			return r.messages[i]
		}
	}
	msg := domain.ChatMessage{ID: r.newID(), Text: text, CreatedAt: now, Speaker: speaker}
	r.appendLocked(msg)
	return msg
}

func (r *Reconciler) dropPendingLocked(speaker domain.Speaker) {
	id, ok := r.pending[speaker]
	if !ok {
		return
	}
	delete(r.pending, speaker)
	if i := r.indexLocked(id); i >= 0 {
		r.messages = append(r.messages[:i], r.messages[i+1:]...)
	}
}

func (r *Reconciler) appendLocked(msg domain.ChatMessage) {
	r.messages = append(r.messages, msg)
	if len(r.messages) > r.cfg.MaxMessages {
		keep := r.cfg.MaxMessages / 2
		r.messages = append([]domain.ChatMessage(nil), r.messages[len(r.messages)-keep:]...)
	}
}

func (r *Reconciler) rememberLocked(key string) {
	r.remembered = append(r.remembered, key)
	r.rememberSet[key] = struct{}{}
	if len(r.remembered) <= r.cfg.MaxRememberedText {
		return
	}
	keep := r.cfg.MaxRememberedText / 2
	r.remembered = append([]string(nil), r.remembered[len(r.remembered)-keep:]...)
	r.rememberSet = make(map[string]struct{}, len(r.remembered))
	for _, k := range r.remembered {
		r.rememberSet[k] = struct{}{}
	}
}

func (r *Reconciler) indexLocked(id string) int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Messages returns a copy of the log, oldest first.
func (r *Reconciler) Messages() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChatMessage{}, r.messages...)
}

// Len reports how many messages are in the log.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Reset forgets every message, remembered final and timestamp.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.pending = map[domain.Speaker]string{}
	r.remembered = nil
	r.rememberSet = map[string]struct{}{}
	r.lastFinalAt = time.Time{}
	r.logger.Info().Msg("transcript cleared")
}

// SpeakerFor maps a channel to its speaker. With heuristics enabled an
// unambiguous phrasing may override the channel.
func (r *Reconciler) SpeakerFor(ch domain.Channel, text string) domain.Speaker {
	if r.cfg.SpeakerHeuristics {
		if speaker, ok := guessSpeaker(text); ok {
			return speaker
		}
	}
	return channelSpeaker(ch)
}

func channelSpeaker(ch domain.Channel) domain.Speaker {
	if ch == domain.ChannelSystem {
		return domain.SpeakerUser
	}
	return domain.SpeakerExternal
}

// FormatWithTimestamp prefixes text with the current wall-clock time.
func (r *Reconciler) FormatWithTimestamp(text string) string {
	return formatAt(r.now(), text)
}

// Transcript renders the final messages one per line for copying.
func (r *Reconciler) Transcript() string {
	var b strings.Builder
	for _, msg := range r.Messages() {
		if msg.IsInterim {
			continue
		}
		b.WriteString(speakerLabel(msg.Speaker))
		b.WriteString(formatAt(msg.CreatedAt, msg.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatAt(t time.Time, text string) string {
	return fmt.Sprintf(" [%s] %s", t.Format("15:04:05"), text)
}

func speakerLabel(s domain.Speaker) string {
	switch s {
	case domain.SpeakerExternal:
		return "Interviewer"
	case domain.SpeakerUser:
		return "You"
	default:
		return "System"
	}
}

// normalize lowercases text and collapses whitespace.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
