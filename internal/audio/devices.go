package audio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"interviewcopilot/internal/domain"
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PulseDevices lists PulseAudio sources (inputs) and sinks (outputs) via pactl.
type PulseDevices struct {
	command string
	run     commandRunner
}

func NewPulseDevices(command string) *PulseDevices {
	if command == "" {
		command = "pactl"
	}
	return &PulseDevices{command: command, run: runCommand}
}

func (p *PulseDevices) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	sources, err := p.list(ctx, "sources", "get-default-source", domain.DeviceInput)
	if err != nil {
		return nil, err
	}
	sinks, err := p.list(ctx, "sinks", "get-default-sink", domain.DeviceOutput)
	if err != nil {
		return nil, err
	}
	return append(sources, sinks...), nil
}

func (p *PulseDevices) list(ctx context.Context, kind, defaultCmd string, deviceType domain.DeviceType) ([]domain.DeviceInfo, error) {
	out, err := p.run(ctx, p.command, "list", "short", kind)
	if err != nil {
		return nil, fmt.Errorf("list pulse %s: %w", kind, err)
	}

	// Older pactl builds lack get-default-*; no default marker then.
	defaultName := ""
	if def, err := p.run(ctx, p.command, defaultCmd); err == nil {
		defaultName = strings.TrimSpace(string(def))
	}

	return parseShortList(out, defaultName, deviceType), nil
}

// parseShortList parses `pactl list short` rows: index, name, driver, sample format, state.
func parseShortList(out []byte, defaultName string, deviceType domain.DeviceType) []domain.DeviceInfo {
	var devices []domain.DeviceInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		if name == "" {
			continue
		}
		devices = append(devices, domain.DeviceInfo{
			ID:        name,
			Name:      displayName(name),
			IsDefault: name == defaultName,
			Type:      deviceType,
		})
	}
	return devices
}

func displayName(name string) string {
	if strings.HasSuffix(name, ".monitor") {
		return "Monitor of " + strings.TrimSuffix(name, ".monitor")
	}
	return name
}
