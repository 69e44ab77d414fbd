package scans

import "github.com/google/uuid"

// NATS subjects carrying scan lifecycle events.
const (
	ScanCreatedSubject   = "reconx.scans.created"
	ScanStartedSubject   = "reconx.scans.started"
	ScanProgressSubject  = "reconx.scans.progress"
	ScanFindingSubject   = "reconx.scans.finding"
	ScanCompletedSubject = "reconx.scans.completed"
	ScanFailedSubject    = "reconx.scans.failed"
)

// ScanCreatedEvent announces a freshly created scan job for the orchestrator
// to pick up.
type ScanCreatedEvent struct {
	ScanID uuid.UUID `json:"scan_id"`
	Target string    `json:"target"`
}

type scanLifecycleEvent struct {
	ScanID   uuid.UUID `json:"scan_id"`
	Status   string    `json:"status,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type scanFindingEvent struct {
	ScanID uuid.UUID        `json:"scan_id"`
	Kind   string           `json:"kind"`
	Sub    *SubdomainResult `json:"subdomain,omitempty"`
	Port   *PortResult      `json:"port,omitempty"`
}
