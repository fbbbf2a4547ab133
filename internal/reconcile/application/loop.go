package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"parkfleet-cloud/internal/devices"
	queueapp "parkfleet-cloud/internal/downlink/application"
	downlink "parkfleet-cloud/internal/downlink/domain"
	fleet "parkfleet-cloud/internal/fleet/domain"
	"parkfleet-cloud/internal/observability/metrics"
	reconcile "parkfleet-cloud/internal/reconcile/domain"
)

// SpaceLister lists the spaces a sweep covers.
type SpaceLister interface {
	ActiveSpaces(ctx context.Context, tenantID string) ([]fleet.Space, error)
}

// StateSource computes what a display should currently show.
type StateSource interface {
	DesiredState(ctx context.Context, space *fleet.Space) (string, error)
}

// QueueSource exposes the downlink queue to the sweep.
type QueueSource interface {
	Enqueue(ctx context.Context, req queueapp.EnqueueRequest) (*downlink.Command, error)
	DestinationState(ctx context.Context, destination string) (*downlink.DestinationState, error)
}

// QueueFlusher drops frames already queued on the network server for a
// destination.
type QueueFlusher interface {
	FlushQueue(ctx context.Context, destination string) error
}

// ReportRepository persists sweep reports.
type ReportRepository interface {
	Save(ctx context.Context, report *reconcile.Report) error
	Latest(ctx context.Context, tenantID string) (*reconcile.Report, error)
	Get(ctx context.Context, id string) (*reconcile.Report, error)
}

// Loop periodically compares confirmed display state against desired
// state and queues corrective downlinks.
type Loop struct {
	cfg     Config
	spaces  SpaceLister
	states  StateSource
	queue   QueueSource
	codecs  *devices.Registry
	reports ReportRepository
	flusher QueueFlusher
	logger  *log.Logger
	now     func() time.Time
	done    chan struct{}
}

// LoopOption configures the loop.
type LoopOption func(*Loop)

// WithLoopClock overrides the loop clock.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithQueueFlusher makes corrective resends flush the network server's
// per-device queue first, so stale frames never reach the device.
func WithQueueFlusher(flusher QueueFlusher) LoopOption {
	return func(l *Loop) {
		l.flusher = flusher
	}
}

// NewLoop constructs a reconciliation loop.
func NewLoop(cfg Config, spaces SpaceLister, states StateSource, queue QueueSource, codecs *devices.Registry, reports ReportRepository, logger *log.Logger, opts ...LoopOption) (*Loop, error) {
	if spaces == nil {
		return nil, errors.New("reconcile: nil space lister")
	}
	if states == nil {
		return nil, errors.New("reconcile: nil state source")
	}
	if queue == nil {
		return nil, errors.New("reconcile: nil queue")
	}
	if codecs == nil {
		return nil, errors.New("reconcile: nil codec registry")
	}
	if reports == nil {
		return nil, errors.New("reconcile: nil report repository")
	}
	if logger == nil {
		logger = log.Default()
	}
	l := &Loop{
		cfg:     cfg,
		spaces:  spaces,
		states:  states,
		queue:   queue,
		codecs:  codecs,
		reports: reports,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start runs sweeps at the configured interval until the context ends.
func (l *Loop) Start(ctx context.Context) {
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, tenantID := range l.cfg.Tenants {
					if _, err := l.RunOnce(ctx, tenantID); err != nil {
						l.logger.Printf("reconcile: sweep for %s: %v", tenantID, err)
					}
				}
			}
		}
	}()
}

// Done is closed once the sweep loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// RunOnce sweeps every active space of a tenant.
func (l *Loop) RunOnce(ctx context.Context, tenantID string) (*reconcile.Report, error) {
	start := l.now()
	spaces, err := l.spaces.ActiveSpaces(ctx, tenantID)
	if err != nil {
		metrics.ObserveReconcileRun(metrics.ResultError, l.now().Sub(start))
		return nil, err
	}

	report := &reconcile.Report{
		ID:        "sweep-" + start.Format("20060102T150405") + "-" + tenantID,
		TenantID:  tenantID,
		StartedAt: start,
	}

	for i := range spaces {
		space := &spaces[i]
		if space.DisplayDestination == "" {
			continue
		}
		report.SpacesChecked++

		finding := l.checkSpace(ctx, space)
		switch finding.Action {
		case reconcile.ActionInSync:
			report.InSync++
		case reconcile.ActionCorrective:
			report.Corrective++
		case reconcile.ActionPoll:
			report.Polls++
		case reconcile.ActionError:
			report.Errors++
		}
		metrics.IncReconcileAction(finding.Action)
		if finding.Action != reconcile.ActionInSync {
			report.Findings = append(report.Findings, finding)
		}
	}

	report.FinishedAt = l.now()
	if err := l.reports.Save(ctx, report); err != nil {
		l.logger.Printf("reconcile: save report %s: %v", report.ID, err)
	}
	metrics.ObserveReconcileRun(metrics.ResultSuccess, report.FinishedAt.Sub(start))
	l.logger.Printf("reconcile: tenant=%s checked=%d in_sync=%d corrective=%d polls=%d errors=%d",
		tenantID, report.SpacesChecked, report.InSync, report.Corrective, report.Polls, report.Errors)
	return report, nil
}

// checkSpace decides whether a display needs a corrective resend, a
// liveness poll, or nothing. A suspect destination always gets the
// corrective path: its confirmed state cannot be trusted, so the sweep
// re-asserts rather than assuming.
func (l *Loop) checkSpace(ctx context.Context, space *fleet.Space) reconcile.Finding {
	finding := reconcile.Finding{
		SpaceID:     space.ID,
		Destination: space.DisplayDestination,
	}

	desired, err := l.states.DesiredState(ctx, space)
	if err != nil {
		finding.Action = reconcile.ActionError
		finding.Detail = fmt.Sprintf("desired state: %v", err)
		return finding
	}
	finding.DesiredState = desired

	codec, err := l.codecs.Lookup(space.DisplayDeviceType)
	if err != nil {
		finding.Action = reconcile.ActionError
		finding.Detail = err.Error()
		return finding
	}
	payload, channel, err := codec.ExpectedPayload(desired)
	if err != nil {
		finding.Action = reconcile.ActionError
		finding.Detail = fmt.Sprintf("encode %s: %v", desired, err)
		return finding
	}
	expectedHash := downlink.ContentHash(space.DisplayDestination, channel, payload)

	state, err := l.queue.DestinationState(ctx, space.DisplayDestination)
	if err != nil {
		finding.Action = reconcile.ActionError
		finding.Detail = fmt.Sprintf("destination state: %v", err)
		return finding
	}

	now := l.now()
	switch {
	case state == nil || state.LastConfirmedAt.IsZero():
		finding.Action = reconcile.ActionPoll
		finding.Detail = "never confirmed"
		l.enqueuePoll(ctx, space, codec)

	case state.Suspect:
		finding.Action = reconcile.ActionCorrective
		finding.Detail = fmt.Sprintf("suspect after %d mismatches", state.MismatchStreak)
		l.enqueueCorrective(ctx, space, desired, payload, channel)

	case state.LastConfirmedHash != expectedHash:
		finding.Action = reconcile.ActionCorrective
		finding.Detail = "confirmed state diverged"
		l.enqueueCorrective(ctx, space, desired, payload, channel)

	case now.Sub(state.LastConfirmedAt) > l.cfg.Freshness:
		finding.Action = reconcile.ActionPoll
		finding.Detail = fmt.Sprintf("last confirmed %s ago", now.Sub(state.LastConfirmedAt).Round(time.Second))
		l.enqueuePoll(ctx, space, codec)

	default:
		finding.Action = reconcile.ActionInSync
	}
	return finding
}

func (l *Loop) enqueueCorrective(ctx context.Context, space *fleet.Space, desired string, payload []byte, channel int) {
	if l.flusher != nil {
		if err := l.flusher.FlushQueue(ctx, space.DisplayDestination); err != nil {
			l.logger.Printf("reconcile: flush %s: %v", space.DisplayDestination, err)
		}
	}
	_, err := l.queue.Enqueue(ctx, queueapp.EnqueueRequest{
		TenantID:     space.TenantID,
		SpaceID:      space.ID,
		Destination:  space.DisplayDestination,
		DeviceType:   space.DisplayDeviceType,
		GatewayID:    space.GatewayID,
		Channel:      channel,
		Payload:      payload,
		DesiredState: desired,
		Trigger:      downlink.TriggerReconciliation,
	})
	if err != nil {
		l.logger.Printf("reconcile: corrective for %s: %v", space.DisplayDestination, err)
	}
}

func (l *Loop) enqueuePoll(ctx context.Context, space *fleet.Space, codec devices.Codec) {
	payload, channel := codec.LivenessPoll()
	_, err := l.queue.Enqueue(ctx, queueapp.EnqueueRequest{
		TenantID:    space.TenantID,
		SpaceID:     space.ID,
		Destination: space.DisplayDestination,
		DeviceType:  space.DisplayDeviceType,
		GatewayID:   space.GatewayID,
		Channel:     channel,
		Payload:     payload,
		Trigger:     downlink.TriggerPoll,
	})
	if err != nil {
		l.logger.Printf("reconcile: poll for %s: %v", space.DisplayDestination, err)
	}
}
