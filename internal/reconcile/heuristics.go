package reconcile

import (
	"strings"

	"interviewcopilot/internal/domain"
)

var (
	interviewerPhrases = []string{
		"tell me about",
		"walk me through",
		"describe a time",
		"how would you",
		"why do you want",
		"what is your",
		"what are your",
	}
	answerPhrases = []string{
		"in my experience",
		"i worked",
		"i have worked",
		"i've worked",
		"my role",
		"in my last",
		"at my previous",
		"i was responsible",
	}
)

// guessSpeaker reports a speaker only when exactly one side's phrasing
// matches. Questions opening with "can you" count as the interviewer's.
func guessSpeaker(text string) (domain.Speaker, bool) {
	lower := normalize(text)
	asks := containsAny(lower, interviewerPhrases) ||
		(strings.HasPrefix(lower, "can you") && strings.HasSuffix(lower, "?"))
	answers := containsAny(lower, answerPhrases)

	switch {
	case asks && !answers:
		return domain.SpeakerExternal, true
	case answers && !asks:
		return domain.SpeakerUser, true
	default:
		return "", false
	}
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
