package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"reconx/services/execution"
)

// Bus is the slice of the event bus the orchestrator uses. *bus.Bus
// satisfies it.
type Bus interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Orchestrator reacts to scan.created events by running the catalog's
// scanner phases against the target and folding their findings back into the
// scan row.
type Orchestrator struct {
	store   Store
	bus     Bus
	runner  *execution.Runner
	catalog *Catalog
	logger  *log.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewOrchestrator creates a scan orchestrator bound to the provided
// dependencies.
func NewOrchestrator(store Store, bus Bus, runner *execution.Runner, catalog *Catalog, logger *log.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if err := catalog.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Orchestrator{
		store:   store,
		bus:     bus,
		runner:  runner,
		catalog: catalog,
		logger:  logger,
	}, nil
}

// Start registers the scan.created subscription and begins processing.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	closer, err := o.bus.Subscribe(ctx, ScanCreatedSubject, "scan-orchestrator", o.handleScanCreated)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ScanCreatedSubject, err)
	}

	o.subsMu.Lock()
	o.subs = append(o.subs, closer)
	o.subsMu.Unlock()
	return nil
}

// Close tears down active subscriptions.
func (o *Orchestrator) Close() error {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	var firstErr error
	for _, sub := range o.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.subs = nil
	return firstErr
}

func (o *Orchestrator) handleScanCreated(ctx context.Context, data []byte) error {
	var evt ScanCreatedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.ScanID == uuid.Nil {
		return errors.New("scan_id missing from created event")
	}
	if strings.TrimSpace(evt.Target) == "" {
		return errors.New("target missing from created event")
	}

	// Ack the message and run the scan detached: phases can run for minutes
	// and must not hold the consumer's ack window.
	go o.executeScan(context.Background(), evt.ScanID, evt.Target)
	return nil
}

func (o *Orchestrator) executeScan(ctx context.Context, scanID uuid.UUID, target string) {
	o.logger.Printf("INFO scan %s: starting against %s", scanID, target)

	if err := o.store.MarkRunning(ctx, scanID); err != nil {
		o.logger.Printf("ERROR scan %s: mark running: %v", scanID, err)
		return
	}
	o.publishJSON(ctx, ScanStartedSubject, scanLifecycleEvent{ScanID: scanID, Status: string(ScanRunning)})

	base := 0
	for _, phase := range o.catalog.Phases {
		if err := o.runPhase(ctx, scanID, target, phase, base); err != nil {
			o.logger.Printf("ERROR scan %s: phase %s: %v", scanID, phase.Name, err)
			if err := o.store.Fail(ctx, scanID, fmt.Sprintf("phase %s: %v", phase.Name, err)); err != nil {
				o.logger.Printf("ERROR scan %s: mark failed: %v", scanID, err)
			}
			o.publishJSON(ctx, ScanFailedSubject, scanLifecycleEvent{ScanID: scanID, Status: string(ScanFailed), Error: err.Error()})
			return
		}
		base += phase.Weight
		if err := o.store.UpdateProgress(ctx, scanID, base); err != nil {
			o.logger.Printf("ERROR scan %s: update progress: %v", scanID, err)
		}
	}

	if err := o.store.Complete(ctx, scanID); err != nil {
		o.logger.Printf("ERROR scan %s: mark completed: %v", scanID, err)
	}
	o.publishJSON(ctx, ScanCompletedSubject, scanLifecycleEvent{ScanID: scanID, Status: string(ScanCompleted), Progress: 100})
	o.logger.Printf("INFO scan %s: completed", scanID)
}

// runPhase runs one scanner process and folds its JSON-line findings into
// the scan. Unparsable lines are logged and skipped; the phase fails only
// when the process itself fails.
func (o *Orchestrator) runPhase(ctx context.Context, scanID uuid.UUID, target string, phase Phase, base int) error {
	resolved := strings.ReplaceAll(phase.Command, TargetPlaceholder, target)

	done := make(chan execution.Result, 1)
	handle := o.runner.Start(resolved, execution.RunOptions{
		Timeout: phase.Timeout,
		OnOutput: func(kind execution.StreamKind, line string) {
			if kind == execution.StreamStderr {
				o.logger.Printf("WARN scan %s: %s stderr: %s", scanID, phase.Name, line)
				return
			}
			o.handleFinding(ctx, scanID, phase, base, line)
		},
		OnExit: func(res execution.Result) { done <- res },
	})

	select {
	case res := <-done:
		if res.Status != execution.StatusSuccess {
			return fmt.Errorf("scanner exited with status %s: %s", res.Status, res.Err)
		}
		return nil
	case <-ctx.Done():
		handle.Cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) handleFinding(ctx context.Context, scanID uuid.UUID, phase Phase, base int, line string) {
	ev, err := ParseScannerEvent(line)
	if err != nil {
		o.logger.Printf("WARN scan %s: %s: %v", scanID, phase.Name, err)
		return
	}

	switch ev.Type {
	case eventSubdomain:
		result := SubdomainResult{Subdomain: ev.Subdomain, IP: ev.IP, DiscoveredAt: ev.DiscoveredAt}
		if err := o.store.AppendSubdomain(ctx, scanID, result); err != nil {
			o.logger.Printf("ERROR scan %s: append subdomain: %v", scanID, err)
			return
		}
		o.publishJSON(ctx, ScanFindingSubject, scanFindingEvent{ScanID: scanID, Kind: eventSubdomain, Sub: &result})
	case eventPort:
		result := PortResult{Host: ev.Host, Port: ev.Port, State: ev.State, Service: ev.Service}
		if err := o.store.AppendPort(ctx, scanID, result); err != nil {
			o.logger.Printf("ERROR scan %s: append port: %v", scanID, err)
			return
		}
		o.publishJSON(ctx, ScanFindingSubject, scanFindingEvent{ScanID: scanID, Kind: eventPort, Port: &result})
	case eventProgress:
		overall := base + ev.Percent*phase.Weight/100
		if err := o.store.UpdateProgress(ctx, scanID, overall); err != nil {
			o.logger.Printf("ERROR scan %s: update progress: %v", scanID, err)
			return
		}
		o.publishJSON(ctx, ScanProgressSubject, scanLifecycleEvent{ScanID: scanID, Status: string(ScanRunning), Progress: overall})
	}
}

func (o *Orchestrator) publishJSON(ctx context.Context, subject string, payload any) {
	if err := o.bus.Publish(ctx, subject, payload); err != nil {
		o.logger.Printf("WARN publish %s: %v", subject, err)
	}
}
