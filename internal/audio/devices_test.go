package audio

import (
	"context"
	"errors"
	"strings"
	"testing"

	"interviewcopilot/internal/domain"
)

func TestPulseDevicesListDevices(t *testing.T) {
	t.Parallel()

	outputs := map[string]string{
		"list short sources": "0\talsa_output.analog.monitor\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n" +
			"1\talsa_input.usb-mic\tmodule-alsa-card.c\ts16le 1ch 48000Hz\tRUNNING\n",
		"get-default-source": "alsa_input.usb-mic\n",
		"list short sinks":   "0\talsa_output.analog\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tIDLE\n",
		"get-default-sink":   "alsa_output.analog\n",
	}
	devices := &PulseDevices{command: "pactl", run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "pactl" {
			t.Errorf("unexpected command %q", name)
		}
		out, ok := outputs[strings.Join(args, " ")]
		if !ok {
			return nil, errors.New("unexpected args")
		}
		return []byte(out), nil
	}}

	got, err := devices.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(got))
	}

	monitor := got[0]
	if monitor.Type != domain.DeviceInput || monitor.IsDefault || monitor.Name != "Monitor of alsa_output.analog" {
		t.Fatalf("unexpected monitor device: %+v", monitor)
	}
	if !got[1].IsDefault || got[1].ID != "alsa_input.usb-mic" {
		t.Fatalf("expected default mic, got %+v", got[1])
	}
	if got[2].Type != domain.DeviceOutput || !got[2].IsDefault {
		t.Fatalf("unexpected sink: %+v", got[2])
	}
}

func TestPulseDevicesListFailure(t *testing.T) {
	t.Parallel()

	devices := &PulseDevices{command: "pactl", run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("pactl not found")
	}}
	if _, err := devices.ListDevices(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseShortListSkipsMalformedRows(t *testing.T) {
	t.Parallel()

	got := parseShortList([]byte("garbage\n\n2\t\tx\n3\tsource.a\n"), "", domain.DeviceInput)
	if len(got) != 1 || got[0].ID != "source.a" {
		t.Fatalf("unexpected devices: %+v", got)
	}
}
