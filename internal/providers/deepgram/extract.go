package deepgram

import (
	"encoding/json"
	"strings"
)

// listenMessage is the union of the shapes the listen socket has been seen to send.
type listenMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel      json.RawMessage   `json:"channel"`
	Alternatives []alternative     `json:"alternatives"`
	Transcript   string            `json:"transcript"`
	Confidence   float64           `json:"confidence"`
	ChannelIndex []json.RawMessage `json:"channel_index"`
	Results      struct {
		Channels []channelResult `json:"channels"`
	} `json:"results"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type channelResult struct {
	Alternatives []alternative `json:"alternatives"`
}

type extraction struct {
	Text       string
	Confidence float64
}

// extractor pulls transcript text out of one known message shape.
type extractor struct {
	name    string
	extract func(listenMessage) (extraction, bool)
}

// extractors are tried in order; the first non-empty transcript wins.
var extractors = []extractor{
	{name: "channel.alternatives", extract: fromChannelAlternatives},
	{name: "alternatives", extract: fromAlternatives},
	{name: "transcript", extract: fromDirectTranscript},
	{name: "channel_index", extract: fromChannelIndex},
	{name: "results.channels", extract: fromResultsChannels},
}

func extractTranscript(msg listenMessage) (extraction, string, bool) {
	for _, e := range extractors {
		if got, ok := e.extract(msg); ok {
			return got, e.name, true
		}
	}
	return extraction{}, "", false
}

func fromChannelAlternatives(msg listenMessage) (extraction, bool) {
	if len(msg.Channel) == 0 {
		return extraction{}, false
	}
	var channel channelResult
	if err := json.Unmarshal(msg.Channel, &channel); err != nil {
		return extraction{}, false
	}
	return firstAlternative(channel.Alternatives)
}

func fromAlternatives(msg listenMessage) (extraction, bool) {
	return firstAlternative(msg.Alternatives)
}

func fromDirectTranscript(msg listenMessage) (extraction, bool) {
	text := strings.TrimSpace(msg.Transcript)
	if text == "" {
		return extraction{}, false
	}
	return extraction{Text: text, Confidence: msg.Confidence}, true
}

// fromChannelIndex handles multichannel payloads where channel_index carries
// per-channel objects. Plain integer indexes are skipped.
func fromChannelIndex(msg listenMessage) (extraction, bool) {
	for _, raw := range msg.ChannelIndex {
		var channel channelResult
		if err := json.Unmarshal(raw, &channel); err != nil {
			continue
		}
		if got, ok := firstAlternative(channel.Alternatives); ok {
			return got, true
		}
	}
	return extraction{}, false
}

func fromResultsChannels(msg listenMessage) (extraction, bool) {
	for _, channel := range msg.Results.Channels {
		if got, ok := firstAlternative(channel.Alternatives); ok {
			return got, true
		}
	}
	return extraction{}, false
}

func firstAlternative(alternatives []alternative) (extraction, bool) {
	if len(alternatives) == 0 {
		return extraction{}, false
	}
	text := strings.TrimSpace(alternatives[0].Transcript)
	if text == "" {
		return extraction{}, false
	}
	return extraction{Text: text, Confidence: alternatives[0].Confidence}, true
}
