// Package leader holds the etcd lease that gives one controller exclusive
// use of an arm. Two controllers pointed at the same cell campaign on the
// same key; only the leader runs the control loop.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// ErrNotLeader is returned by Resign when no campaign was won
var ErrNotLeader = errors.New("leader: not leading")

// Config locates the election
type Config struct {
	Endpoints   []string
	Key         string
	TTL         int // seconds
	ID          string
	DialTimeout time.Duration
}

// Elector campaigns for one election key
type Elector struct {
	cfg    Config
	client *clientv3.Client

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
}

// New connects to etcd. ID defaults to hostname plus a random suffix.
func New(cfg Config) (*Elector, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("leader: at least one etcd endpoint is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("leader: election key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Elector{cfg: cfg, client: client}, nil
}

// DefaultID names this process in the election
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pickpointd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ID returns the value this elector campaigns with
func (e *Elector) ID() string {
	return e.cfg.ID
}

// Campaign blocks until this process leads or ctx ends
func (e *Elector) Campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.cfg.TTL), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	election := concurrency.NewElection(session, e.cfg.Key)

	slog.Info("campaigning for arm lease", "key", e.cfg.Key, "id", e.cfg.ID, "ttl_s", e.cfg.TTL)

	if err := election.Campaign(ctx, e.cfg.ID); err != nil {
		_ = session.Close()
		return fmt.Errorf("election campaign failed: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.election = election
	e.mu.Unlock()

	slog.Info("arm lease acquired", "key", e.cfg.Key, "id", e.cfg.ID)
	return nil
}

// Lost is closed when the lease expires. It is nil before Campaign succeeds.
func (e *Elector) Lost() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Done()
}

// Leading reports whether a campaign was won and the lease is alive
func (e *Elector) Leading() bool {
	lost := e.Lost()
	if lost == nil {
		return false
	}
	select {
	case <-lost:
		return false
	default:
		return true
	}
}

// Resign gives up leadership and closes the session
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	session, election := e.session, e.election
	e.session, e.election = nil, nil
	e.mu.Unlock()

	if election == nil {
		return ErrNotLeader
	}
	err := election.Resign(ctx)
	if cerr := session.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("resign arm lease: %w", err)
	}
	slog.Info("arm lease released", "key", e.cfg.Key)
	return nil
}

// Close resigns when leading and disconnects from etcd
func (e *Elector) Close(ctx context.Context) error {
	if err := e.Resign(ctx); err != nil && !errors.Is(err, ErrNotLeader) {
		slog.Warn("failed to resign arm lease", "error", err)
	}
	return e.client.Close()
}
