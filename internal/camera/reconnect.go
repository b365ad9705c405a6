package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReconnectConfig is the exponential backoff schedule used after a lost camera
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`     // default 5
	RetryDelay    time.Duration `yaml:"retry_delay"`     // default 1s
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // default 30s
}

// DefaultReconnectConfig returns the default schedule: 1s, 2s, 4s, 8s, 16s
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	return c
}

// connectFunc opens the source once
type connectFunc func(ctx context.Context) error

// runWithReconnect calls connect until it succeeds, backing off between
// attempts. Gives up after MaxRetries failures or when ctx is done.
func runWithReconnect(ctx context.Context, name string, connect connectFunc, cfg ReconnectConfig, attempts *atomic.Uint32) error {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connect(ctx)
		if err == nil {
			slog.Info("camera connected", "camera", name, "after_retries", retries)
			return nil
		}

		retries++
		attempts.Add(1)
		slog.Error("camera connection failed", "camera", name, "attempt", retries, "error", err)

		if retries > cfg.MaxRetries {
			return fmt.Errorf("camera %s: max retries exceeded (%d attempts)", name, cfg.MaxRetries)
		}

		delay := backoff(retries, cfg)
		slog.Warn("retrying camera connection", "camera", name, "attempt", retries, "max_retries", cfg.MaxRetries, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay
func backoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// healer runs at most one reconnect round at a time. A round that gives up
// leaves the source disconnected; the next trigger starts a fresh one, so a
// camera that comes back late is still picked up.
type healer struct {
	name     string
	cfg      ReconnectConfig
	connect  connectFunc
	attempts *atomic.Uint32

	mu      sync.Mutex
	healing bool
	stopped bool
	rounds  int
	wg      sync.WaitGroup
}

func newHealer(name string, cfg ReconnectConfig, connect connectFunc, attempts *atomic.Uint32) *healer {
	return &healer{name: name, cfg: cfg, connect: connect, attempts: attempts}
}

// trigger starts a reconnect round in the background unless one is running
// or the healer is stopped. Reports whether a round was started.
func (h *healer) trigger(ctx context.Context) bool {
	h.mu.Lock()
	if h.stopped || h.healing || ctx.Err() != nil {
		h.mu.Unlock()
		return false
	}
	h.healing = true
	h.rounds++
	round := h.rounds
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		err := runWithReconnect(ctx, h.name, h.connect, h.cfg, h.attempts)

		h.mu.Lock()
		h.healing = false
		h.mu.Unlock()

		if err != nil {
			slog.Error("camera reconnection round abandoned, next capture retries", "camera", h.name, "round", round, "error", err)
		}
	}()
	return true
}

// active reports whether a round is running
func (h *healer) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healing
}

// stop refuses new rounds and waits for the running one. Cancel the
// round's context first.
func (h *healer) stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.wg.Wait()
}
