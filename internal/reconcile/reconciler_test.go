package reconcile

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/metrics"
)

type fakeClock struct{ t time.Time }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
}

func newTestReconciler(cfg Config, clock *fakeClock) (*Reconciler, *metrics.Metrics) {
	reg := metrics.New(prometheus.NewRegistry())
	return New(cfg, reg, WithClock(clock.now), WithIDs(sequentialIDs())), reg
}

func TestDuplicateAndIntervalRules(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, reg := newTestReconciler(Config{}, clock)

	if !r.ShouldAddTranscript("Hello world", true, domain.SpeakerExternal) {
		t.Fatalf("first final should be accepted")
	}
	clock.advance(200 * time.Millisecond)
	if r.ShouldAddTranscript("Hello world", true, domain.SpeakerExternal) {
		t.Fatalf("repeat within the interval should be rejected")
	}

	clock.advance(2 * time.Second)
	if r.ShouldAddTranscript("Hello world", true, domain.SpeakerExternal) {
		t.Fatalf("duplicate text is rejected regardless of the interval")
	}
	if !r.ShouldAddTranscript("Something different", true, domain.SpeakerExternal) {
		t.Fatalf("new text after the interval should be accepted")
	}

	clock.advance(100 * time.Millisecond)
	if r.ShouldAddTranscript("Yet another sentence", true, domain.SpeakerUser) {
		t.Fatalf("finals closer than the interval are throttled across speakers")
	}

	if got := testutil.ToFloat64(reg.TranscriptsRejected.WithLabelValues(reasonDuplicate)); got != 2 {
		t.Fatalf("expected 2 duplicate rejections, got %v", got)
	}
	if got := testutil.ToFloat64(reg.TranscriptsRejected.WithLabelValues(reasonThrottled)); got != 1 {
		t.Fatalf("expected 1 throttled rejection, got %v", got)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", r.Len())
	}
}

func TestNormalizedDuplicate(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, _ := newTestReconciler(Config{}, clock)

	if !r.ShouldAddTranscript("The quick brown fox", true, domain.SpeakerExternal) {
		t.Fatalf("first final should be accepted")
	}
	clock.advance(5 * time.Second)
	if r.ShouldAddTranscript("  the   QUICK brown\tfox ", true, domain.SpeakerExternal) {
		t.Fatalf("case and whitespace variants are duplicates")
	}
}

func TestResetForgetsEverything(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, _ := newTestReconciler(Config{}, clock)

	r.ShouldAddTranscript("The quick brown fox", true, domain.SpeakerExternal)
	r.ShouldAddTranscript("partial words", false, domain.SpeakerUser)
	r.Reset()

	if r.Len() != 0 || len(r.Messages()) != 0 {
		t.Fatalf("log should be empty after reset")
	}
	if !r.ShouldAddTranscript("The quick brown fox", true, domain.SpeakerExternal) {
		t.Fatalf("previously duplicate text should be accepted after reset")
	}
}

func TestMinimumLength(t *testing.T) {
	t.Parallel()

	r, reg := newTestReconciler(Config{}, newClock())
	for _, text := range []string{"", "  ", "ok", " a "} {
		if r.ShouldAddTranscript(text, false, domain.SpeakerUser) {
			t.Fatalf("%q should be too short", text)
		}
	}
	if !r.ShouldAddTranscript("yes", false, domain.SpeakerUser) {
		t.Fatalf("three characters is enough")
	}
	if got := testutil.ToFloat64(reg.TranscriptsRejected.WithLabelValues(reasonTooShort)); got != 4 {
		t.Fatalf("expected 4 too-short rejections, got %v", got)
	}
}

func TestInterimAlwaysAccepted(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(Config{}, newClock())
	for i := 0; i < 5; i++ {
		for _, speaker := range []domain.Speaker{domain.SpeakerUser, domain.SpeakerExternal, domain.SpeakerSystem} {
			if !r.ShouldAddTranscript("same interim text", false, speaker) {
				t.Fatalf("interim for %s rejected", speaker)
			}
		}
	}

	msgs := r.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected one pending interim per speaker, got %d", len(msgs))
	}
	for _, msg := range msgs {
		if !msg.IsInterim {
			t.Fatalf("expected interim message, got %+v", msg)
		}
	}
}

func TestInterimReplacedByFinal(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, _ := newTestReconciler(Config{}, clock)

	first, ok := r.Accept(domain.TranscriptionEvent{Text: "what is", Source: domain.ChannelExternal})
	if !ok || !first.IsInterim || first.Speaker != domain.SpeakerExternal {
		t.Fatalf("unexpected interim %+v", first)
	}
	second, _ := r.Accept(domain.TranscriptionEvent{Text: "what is your", Source: domain.ChannelExternal})
	if second.ID != first.ID {
		t.Fatalf("interim should be updated in place")
	}
	if msgs := r.Messages(); len(msgs) != 1 || msgs[0].Text != "what is your" {
		t.Fatalf("expected a single updated interim, got %+v", msgs)
	}

	final, ok := r.Accept(domain.TranscriptionEvent{Text: "What is your biggest strength?", IsFinal: true, Source: domain.ChannelExternal})
	if !ok || final.ID != first.ID || final.IsInterim {
		t.Fatalf("final should take over the interim, got %+v", final)
	}

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Text != "What is your biggest strength?" {
		t.Fatalf("unexpected log %+v", msgs)
	}
}

func TestRejectedFinalDropsPendingInterim(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, _ := newTestReconciler(Config{}, clock)

	r.ShouldAddTranscript("I led the migration", true, domain.SpeakerUser)
	clock.advance(2 * time.Second)
	r.ShouldAddTranscript("I led the", false, domain.SpeakerUser)
	if r.Len() != 2 {
		t.Fatalf("expected final plus interim, got %d", r.Len())
	}
	if r.ShouldAddTranscript("I led the migration", true, domain.SpeakerUser) {
		t.Fatalf("duplicate final should be rejected")
	}
	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].IsInterim {
		t.Fatalf("pending interim should be gone, got %+v", msgs)
	}
}

func TestChannelSpeakerMapping(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(Config{}, newClock())
	if got := r.SpeakerFor(domain.ChannelExternal, "in my experience it works"); got != domain.SpeakerExternal {
		t.Fatalf("without heuristics the channel decides, got %s", got)
	}
	if got := r.SpeakerFor(domain.ChannelSystem, "tell me about yourself"); got != domain.SpeakerUser {
		t.Fatalf("system channel maps to the user, got %s", got)
	}
}

func TestSpeakerHeuristics(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(Config{SpeakerHeuristics: true}, newClock())
	cases := []struct {
		channel domain.Channel
		text    string
		want    domain.Speaker
	}{
		{domain.ChannelSystem, "Tell me about a hard bug", domain.SpeakerExternal},
		{domain.ChannelSystem, "Can you explain that?", domain.SpeakerExternal},
		{domain.ChannelExternal, "In my experience caching helps", domain.SpeakerUser},
		{domain.ChannelExternal, "The weather is nice", domain.SpeakerExternal},
		{domain.ChannelSystem, "Tell me about it, in my experience it varies", domain.SpeakerUser},
	}
	for _, tc := range cases {
		if got := r.SpeakerFor(tc.channel, tc.text); got != tc.want {
			t.Fatalf("%q on %s: expected %s, got %s", tc.text, tc.channel, tc.want, got)
		}
	}
}

func TestMessageLogIsCapped(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, _ := newTestReconciler(Config{}, clock)
	for i := 0; i < 101; i++ {
		clock.advance(2 * time.Second)
		if !r.ShouldAddTranscript(fmt.Sprintf("sentence number %d", i), true, domain.SpeakerExternal) {
			t.Fatalf("final %d rejected", i)
		}
	}

	msgs := r.Messages()
	if len(msgs) != 50 {
		t.Fatalf("expected log trimmed to 50, got %d", len(msgs))
	}
	if msgs[0].Text != "sentence number 51" || msgs[49].Text != "sentence number 100" {
		t.Fatalf("expected the most recent messages, got %q..%q", msgs[0].Text, msgs[49].Text)
	}
}

func TestRememberedFinalsAreBounded(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, _ := newTestReconciler(Config{MaxRememberedText: 4}, clock)
	for i := 0; i < 5; i++ {
		clock.advance(2 * time.Second)
		r.ShouldAddTranscript(fmt.Sprintf("final text %d", i), true, domain.SpeakerExternal)
	}

	clock.advance(2 * time.Second)
	if !r.ShouldAddTranscript("final text 0", true, domain.SpeakerExternal) {
		t.Fatalf("trimmed entries should be forgotten")
	}
	clock.advance(2 * time.Second)
	if r.ShouldAddTranscript("final text 4", true, domain.SpeakerExternal) {
		t.Fatalf("recent entries should still be remembered")
	}
}

func TestFormatting(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r, _ := newTestReconciler(Config{}, clock)
	if got := r.FormatWithTimestamp("hello"); got != " [09:30:00] hello" {
		t.Fatalf("unexpected format %q", got)
	}

	r.ShouldAddTranscript("Why this role?", true, domain.SpeakerExternal)
	clock.advance(3 * time.Second)
	r.ShouldAddTranscript("I like the team", true, domain.SpeakerUser)
	r.ShouldAddTranscript("and the pro", false, domain.SpeakerUser)

	lines := strings.Split(strings.TrimSpace(r.Transcript()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two final lines, got %q", lines)
	}
	if lines[0] != "Interviewer [09:30:00] Why this role?" || lines[1] != "You [09:30:03] I like the team" {
		t.Fatalf("unexpected transcript %q", lines)
	}
}
