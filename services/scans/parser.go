package scans

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScannerEvent is one JSON line emitted by a scanner process on stdout.
// Scanners report findings incrementally, one object per line.
type ScannerEvent struct {
	Type         string   `json:"type"`
	Subdomain    string   `json:"subdomain,omitempty"`
	IP           []string `json:"ip,omitempty"`
	DiscoveredAt string   `json:"discovered_at,omitempty"`
	Host         string   `json:"host,omitempty"`
	Port         int      `json:"port,omitempty"`
	State        string   `json:"state,omitempty"`
	Service      string   `json:"service,omitempty"`
	Percent      int      `json:"percent,omitempty"`
}

const (
	eventSubdomain = "subdomain"
	eventPort      = "port"
	eventProgress  = "progress"
)

// ParseScannerEvent decodes a single scanner output line. Non-JSON lines and
// unknown event types are reported as errors so the orchestrator can log and
// skip them without aborting the phase.
func ParseScannerEvent(line string) (*ScannerEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil, fmt.Errorf("not a scanner event: %q", line)
	}

	var ev ScannerEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, fmt.Errorf("decode scanner event: %w", err)
	}

	switch ev.Type {
	case eventSubdomain:
		if ev.Subdomain == "" {
			return nil, fmt.Errorf("subdomain event without subdomain: %q", line)
		}
	case eventPort:
		if ev.Port <= 0 || ev.Port > 65535 {
			return nil, fmt.Errorf("port event with invalid port %d", ev.Port)
		}
	case eventProgress:
		if ev.Percent < 0 || ev.Percent > 100 {
			return nil, fmt.Errorf("progress event with invalid percent %d", ev.Percent)
		}
	default:
		return nil, fmt.Errorf("unknown scanner event type %q", ev.Type)
	}
	return &ev, nil
}
