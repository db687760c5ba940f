package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
)

// Handler processes one tick
type Handler func(ctx context.Context, msg TickMessage) error

// WorkerPoolConfig configures a WorkerPool
type WorkerPoolConfig struct {
	Workers int
	// MaxAttempts bounds how often a tick failing with a retryable error is re-enqueued
	MaxAttempts int
	// RetryDelay is waited before re-enqueueing a failed tick
	RetryDelay time.Duration
}

// WorkerPool pulls ticks from a queue and runs them with bounded parallelism
type WorkerPool struct {
	mu sync.Mutex

	queue   TickQueue
	handler Handler
	cfg     WorkerPoolConfig

	workerSem chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	inflight  sync.WaitGroup
}

// NewWorkerPool creates a pool; Start runs it
func NewWorkerPool(queue TickQueue, handler Handler, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &WorkerPool{
		queue:     queue,
		handler:   handler,
		cfg:       cfg,
		workerSem: make(chan struct{}, cfg.Workers),
	}
}

// Start begins pulling ticks
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already started")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithField("workers", p.cfg.Workers).Info("Starting tick workers")
	go p.loop(ctx)
	return nil
}

// Stop stops pulling and waits for running ticks to finish
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not running")
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) loop(ctx context.Context) {
	defer close(p.doneCh)
	logger := logging.FromContext(ctx)

	for {
		// Wait for a worker slot
		select {
		case p.workerSem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			<-p.workerSem
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Failed to dequeue tick")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}
		if d == nil {
			<-p.workerSem
			select {
			case <-p.stopCh:
				return
			default:
			}
			continue
		}

		p.inflight.Add(1)
		go func() {
			defer func() {
				<-p.workerSem
				p.inflight.Done()
			}()
			p.process(ctx, d)
		}()
	}
}

func (p *WorkerPool) process(ctx context.Context, d *Delivery) {
	msg := d.Message
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId": msg.AccountID,
		"runId":     msg.RunID,
		"seq":       msg.Seq,
		"attempt":   msg.Attempt,
	})
	ctx = logging.WithLogger(ctx, logger)

	err := p.handler(ctx, msg)
	if err != nil && apperrors.IsRetryable(err) && msg.Attempt+1 < p.cfg.MaxAttempts {
		logger.WithError(err).Warn("Tick failed, re-enqueueing")
		select {
		case <-time.After(p.cfg.RetryDelay):
		case <-ctx.Done():
		}
		retry := msg
		retry.Attempt++
		if enqErr := p.queue.Enqueue(context.WithoutCancel(ctx), retry); enqErr != nil {
			logger.WithError(enqErr).Error("Failed to re-enqueue tick")
			// Leave it unacked so Recover picks it up
			return
		}
	} else if err != nil {
		logger.WithError(err).Error("Tick failed")
	}

	if ackErr := p.queue.Ack(context.WithoutCancel(ctx), d); ackErr != nil {
		logger.WithError(ackErr).Warn("Failed to ack tick")
	}
}
