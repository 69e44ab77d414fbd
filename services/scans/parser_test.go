package scans

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScannerEvent(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		check   func(t *testing.T, ev *ScannerEvent)
	}{
		{
			name: "subdomain",
			line: `{"type":"subdomain","subdomain":"api.example.com","ip":["10.0.0.1"]}`,
			check: func(t *testing.T, ev *ScannerEvent) {
				assert.Equal(t, "api.example.com", ev.Subdomain)
				assert.Equal(t, []string{"10.0.0.1"}, ev.IP)
			},
		},
		{
			name: "port",
			line: `{"type":"port","host":"api.example.com","port":443,"state":"open","service":"https"}`,
			check: func(t *testing.T, ev *ScannerEvent) {
				assert.Equal(t, 443, ev.Port)
				assert.Equal(t, "open", ev.State)
			},
		},
		{
			name: "progress",
			line: `{"type":"progress","percent":40}`,
			check: func(t *testing.T, ev *ScannerEvent) {
				assert.Equal(t, 40, ev.Percent)
			},
		},
		{name: "plain text", line: "scanning example.com...", wantErr: true},
		{name: "empty", line: "   ", wantErr: true},
		{name: "invalid json", line: "{not json", wantErr: true},
		{name: "unknown type", line: `{"type":"banner","host":"x"}`, wantErr: true},
		{name: "subdomain without name", line: `{"type":"subdomain"}`, wantErr: true},
		{name: "port out of range", line: `{"type":"port","port":70000}`, wantErr: true},
		{name: "percent out of range", line: `{"type":"progress","percent":150}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseScannerEvent(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}
