package application

import (
	"context"
	"errors"
	"log"
	"time"

	downlink "parkfleet-cloud/internal/downlink/domain"
	"parkfleet-cloud/internal/nsadapter"
	"parkfleet-cloud/internal/ratelimit"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultHealthBackoff = 30 * time.Second
	minDenialDelay       = time.Second
)

// CommandSource is the queue surface the worker drains.
type CommandSource interface {
	Dequeue(ctx context.Context) (*downlink.Command, error)
	MarkSuccess(ctx context.Context, cmd *downlink.Command) error
	MarkFailure(ctx context.Context, cmd *downlink.Command, cause error) error
	RequeueWithDelay(ctx context.Context, cmd *downlink.Command, delay time.Duration) error
}

// Transmitter hands frames to the network server.
type Transmitter interface {
	Transmit(ctx context.Context, destination string, payload []byte, channel int, confirmed bool) (nsadapter.Handle, error)
	QueryHealth(ctx context.Context, gatewayGroup string) (nsadapter.GatewayHealth, error)
}

// Limiter grants send tokens per scoped key.
type Limiter interface {
	CheckAndConsume(ctx context.Context, scope, key string) (ratelimit.Decision, error)
}

// Registrar records ack expectations for delivered commands.
type Registrar interface {
	Register(ctx context.Context, cmd *downlink.Command) error
}

// Worker drains the downlink queue and pushes commands to the network
// server, honoring gateway and tenant rate limits.
type Worker struct {
	queue          CommandSource
	transmitter    Transmitter
	gatewayLimiter Limiter
	tenantLimiter  Limiter
	registrar      Registrar
	logger         *log.Logger
	interval       time.Duration
	healthBackoff  time.Duration
	done           chan struct{}
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithPollInterval overrides the queue poll interval.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithHealthBackoff overrides the requeue delay when a gateway group is
// fully offline.
func WithHealthBackoff(backoff time.Duration) WorkerOption {
	return func(w *Worker) {
		if backoff > 0 {
			w.healthBackoff = backoff
		}
	}
}

// NewWorker constructs a delivery worker.
func NewWorker(queue CommandSource, transmitter Transmitter, gatewayLimiter, tenantLimiter Limiter, registrar Registrar, logger *log.Logger, opts ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("delivery worker: nil queue")
	}
	if transmitter == nil {
		return nil, errors.New("delivery worker: nil transmitter")
	}
	if gatewayLimiter == nil || tenantLimiter == nil {
		return nil, errors.New("delivery worker: nil limiter")
	}
	if registrar == nil {
		return nil, errors.New("delivery worker: nil registrar")
	}
	if logger == nil {
		logger = log.Default()
	}
	w := &Worker{
		queue:          queue,
		transmitter:    transmitter,
		gatewayLimiter: gatewayLimiter,
		tenantLimiter:  tenantLimiter,
		registrar:      registrar,
		logger:         logger,
		interval:       defaultPollInterval,
		healthBackoff:  defaultHealthBackoff,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start runs the delivery loop until the context ends.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.drain(ctx)
			}
		}
	}()
}

// Done is closed once the delivery loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) drain(ctx context.Context) {
	// Gateway health is probed once per drain; every command against a
	// known-dead gateway group is deferred without a transport attempt.
	health := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Printf("delivery worker: dequeue: %v", err)
			return
		}
		if cmd == nil {
			return
		}
		w.process(ctx, cmd, health)
	}
}

func (w *Worker) process(ctx context.Context, cmd *downlink.Command, health map[string]bool) {
	if cmd.GatewayID != "" {
		online, probed := health[cmd.GatewayID]
		if !probed {
			online = w.gatewayOnline(ctx, cmd.GatewayID)
			health[cmd.GatewayID] = online
		}
		if !online {
			if err := w.queue.RequeueWithDelay(ctx, cmd, w.healthBackoff); err != nil {
				w.logger.Printf("delivery worker: requeue %s: %v", cmd.CommandID, err)
			}
			return
		}

		decision, err := w.gatewayLimiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, cmd.GatewayID)
		if err != nil {
			w.logger.Printf("delivery worker: gateway limiter for %s: %v", cmd.CommandID, err)
			_ = w.queue.RequeueWithDelay(ctx, cmd, minDenialDelay)
			return
		}
		if !decision.Allowed {
			_ = w.queue.RequeueWithDelay(ctx, cmd, denialDelay(decision))
			return
		}
	}

	decision, err := w.tenantLimiter.CheckAndConsume(ctx, ratelimit.ScopeTenant, cmd.TenantID)
	if err != nil {
		w.logger.Printf("delivery worker: tenant limiter for %s: %v", cmd.CommandID, err)
		_ = w.queue.RequeueWithDelay(ctx, cmd, minDenialDelay)
		return
	}
	if !decision.Allowed {
		_ = w.queue.RequeueWithDelay(ctx, cmd, denialDelay(decision))
		return
	}

	if _, err := w.transmitter.Transmit(ctx, cmd.Destination, cmd.Payload, cmd.Channel, true); err != nil {
		w.logger.Printf("delivery worker: transmit %s to %s: %v", cmd.CommandID, cmd.Destination, err)
		if err := w.queue.MarkFailure(ctx, cmd, err); err != nil {
			w.logger.Printf("delivery worker: mark failure %s: %v", cmd.CommandID, err)
		}
		return
	}

	if err := w.queue.MarkSuccess(ctx, cmd); err != nil {
		w.logger.Printf("delivery worker: mark success %s: %v", cmd.CommandID, err)
		return
	}
	if err := w.registrar.Register(ctx, cmd); err != nil {
		w.logger.Printf("delivery worker: register expectation %s: %v", cmd.CommandID, err)
	}
}

func (w *Worker) gatewayOnline(ctx context.Context, gatewayID string) bool {
	health, err := w.transmitter.QueryHealth(ctx, gatewayID)
	if err != nil {
		// Health is a best-effort gate; on probe failure the transport
		// attempt decides.
		w.logger.Printf("delivery worker: health probe %s: %v", gatewayID, err)
		return true
	}
	// No online gateways means no path to the device, whatever the
	// registered total says.
	return health.OnlineCount > 0
}

func denialDelay(decision ratelimit.Decision) time.Duration {
	if decision.RetryAfter > minDenialDelay {
		return decision.RetryAfter
	}
	return minDenialDelay
}
