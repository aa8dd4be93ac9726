package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/notify"
	"github.com/sagaworks/orchestrator/internal/storage"
)

// PollerConfig controls the outbox poller's cadence and concurrency.
type PollerConfig struct {
	WorkerID       string
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	ClaimBatch     int
	RequeueDelay   time.Duration
	MaxConcurrency int64
}

// Poller repeatedly claims outbox rows and dispatches them to the step
// executor or compensation scheduler. A claimed-but-crashed row is
// reclaimed by a later poller once its lease expires; ClaimOutbox
// itself enforces that via the lease-based WHERE clause.
type Poller struct {
	engine *Engine
	cfg    PollerConfig
	sem    *semaphore.Weighted

	wake chan struct{}
}

// NewPoller constructs a Poller with sane defaults for any zero fields
// in cfg.
func NewPoller(e *Engine, cfg PollerConfig) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = storage.DefaultClaimBatchLimit
	}
	if cfg.MaxConcurrency <= 0 {
		// One in-flight dispatch per worker by default: within a
		// single worker the poll -> dispatch -> ack sequence is
		// serial. Raise this only to intentionally run several
		// dispatches concurrently within one process.
		cfg.MaxConcurrency = 1
	}
	return &Poller{
		engine: e,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		wake:   make(chan struct{}, 1),
	}
}

// AttachListener registers this poller's Wake as the handler for
// notify.Listener wake-ups, so a freshly enqueued row is picked up
// without waiting for the next poll tick.
func (p *Poller) AttachListener(l *notify.Listener) {
	l.OnWake(p.Wake)
}

// Wake nudges the poller to run a claim loop immediately, coalescing
// with any pending wake already queued.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks, ticking every PollInterval (or on demand via Wake) until
// ctx is cancelled. Each tick runs a claim loop of up to ClaimBatch
// dispatches, matching the design's "at most 10 dispatches per tick"
// bound.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.wake:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	for i := 0; i < p.cfg.ClaimBatch; i++ {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		msg, found, err := p.engine.Store.ClaimOutbox(ctx, p.cfg.WorkerID, p.cfg.LeaseTTL)
		if err != nil {
			p.sem.Release(1)
			slog.Error("claim outbox row failed", "error", err)
			return
		}
		if !found {
			p.sem.Release(1)
			return
		}

		go func(msg *domain.OutboxMessage) {
			defer p.sem.Release(1)
			p.dispatch(ctx, msg)
		}(msg)
	}
}

func (p *Poller) dispatch(ctx context.Context, msg *domain.OutboxMessage) {
	var err error
	switch msg.Type {
	case domain.OutboxExecuteStep:
		var payload domain.ExecuteStepPayload
		if uerr := unmarshalPayload(msg.Payload, &payload); uerr != nil {
			err = uerr
			break
		}
		err = p.engine.ExecuteStep(ctx, payload)
	case domain.OutboxExecuteCompensation:
		var payload domain.ExecuteCompensationPayload
		if uerr := unmarshalPayload(msg.Payload, &payload); uerr != nil {
			err = uerr
			break
		}
		err = p.engine.ExecuteCompensation(ctx, payload)
	default:
		slog.Error("unknown outbox message type", "type", msg.Type, "id", msg.ID)
	}

	if err != nil {
		slog.Error("outbox dispatch failed, requeuing", "id", msg.ID, "type", msg.Type, "error", err)
		if rerr := p.engine.Store.RequeueOutbox(ctx, msg.ID, p.engine.now().Add(p.cfg.RequeueDelay), err); rerr != nil {
			slog.Error("requeue outbox row failed", "id", msg.ID, "error", rerr)
		}
		return
	}
	if derr := p.engine.Store.MarkOutboxDone(ctx, msg.ID); derr != nil {
		slog.Error("mark outbox done failed", "id", msg.ID, "error", derr)
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
