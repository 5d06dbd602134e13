// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

// Package offbox implements the client-side offline mutation queue and
// synchronization engine: a durable outbox of write intents, an idempotent
// replayer that drains it against the backend in per-entity FIFO order, and a
// conflict reconciler that merges authoritative responses into the local
// snapshot store without silently discarding local edits.
//
// The package is a library embedded in the client application. UI
// collaborators enqueue opaque entity payloads and read optimistic snapshots;
// the engine owns everything between enqueue and server confirmation.
package offbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// TokenFunc supplies the session token attached to sync calls (auth is an
// external concern; the engine only transports the token).
type TokenFunc func(ctx context.Context) (string, error)

// Config holds tuning knobs for the sync engine.
type Config struct {
	Concurrency    int           // max in-flight operations across entities (never >1 per entity)
	MaxAttempts    int           // transient-failure attempts before an operation goes failed
	RequestTimeout time.Duration // per network attempt
	BackoffMin     time.Duration // e.g. 1s
	BackoffMax     time.Duration // e.g. 60s
	PollInterval   time.Duration // idle wakeup when no enqueue signal arrives
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:    4,
		MaxAttempts:    8,
		RequestTimeout: 30 * time.Second,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// Client manages the local SQLite store and replay of pending operations for
// one tenant session. Multiple tenant-scoped clients may share a process but
// never a tenant namespace.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    TokenFunc
	TenantID string
	SourceID string
	HTTP     *http.Client

	config   *Config
	logger   *slog.Logger
	clock    Clock
	validate *validator.Validate

	// Single serialization point for all store writes, so an optimistic
	// apply and a reconciliation write for the same entity can never
	// interleave into a half-state.
	writeMu sync.Mutex

	migration MigrationResult

	paused int32
	wake   chan struct{}

	// entity keys with an operation currently in flight
	locksMu sync.Mutex
	locks   map[string]struct{}

	subsMu        sync.Mutex
	subs          map[int]*subscription
	nextID        int
	pendingEvents []Event
	dispatching   bool
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithLogger injects a structured logger (defaults to slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock injects a Clock (tests use a deterministic one).
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithHTTPClient injects the HTTP client used for replay calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTP = h }
}

// NewClient opens the tenant-scoped engine over db. The migration runner
// executes before NewClient returns; no other component touches the store
// until it reports a terminal state. Check MigrationOutcome and
// ResyncRequired afterwards to decide whether a full Hydrate is needed.
func NewClient(db *sql.DB, baseURL, tenantID string, tok TokenFunc, config *Config, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID must be provided (store keys are tenant-scoped)")
	}

	client := &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		TenantID: tenantID,
		HTTP:     &http.Client{},
		config:   config,
		logger:   slog.Default(),
		clock:    newSystemClock(),
		validate: validator.New(),
		wake:     make(chan struct{}, 1),
		locks:    make(map[string]struct{}),
		subs:     make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(client)
	}

	runner := newMigrationRunner(db, client.logger)
	result, err := runner.Run(context.Background())
	if err != nil {
		return nil, fmt.Errorf("migration runner failed: %w", err)
	}
	client.migration = result

	sourceID, err := ensureSourceID(db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure source id: %w", err)
	}
	client.SourceID = sourceID

	// Crash recovery: operations stuck in_flight from a previous process are
	// requeued; the idempotency key makes the resend safe even if the
	// original request reached the server.
	if err := client.requeueInFlight(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to requeue in-flight operations: %w", err)
	}

	return client, nil
}

// MigrationOutcome reports what the migration runner did at open time.
func (c *Client) MigrationOutcome() MigrationResult {
	return c.migration
}

// ResyncRequired reports whether the store was cleared and the next data
// fetch must be a full server resync (see Hydrate).
func (c *Client) ResyncRequired(ctx context.Context) (bool, error) {
	var flag int
	err := c.DB.QueryRowContext(ctx,
		`SELECT resync_required FROM _offsync_schema WHERE id = 1`).Scan(&flag)
	if err != nil {
		return false, fmt.Errorf("failed to read resync flag: %w", err)
	}
	return flag == 1, nil
}

// Pause suspends the replay loop deterministically (UI "work offline"
// toggle, tests). Enqueue keeps working; nothing is sent while paused.
func (c *Client) Pause() { atomic.StoreInt32(&c.paused, 1) }

// Resume lifts a Pause.
func (c *Client) Resume() {
	atomic.StoreInt32(&c.paused, 0)
	c.signalWake()
}

func (c *Client) isPaused() bool {
	return atomic.LoadInt32(&c.paused) == 1
}

// Start launches the background replay loop. It returns immediately; the
// loop runs until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	go c.replayLoop(ctx)
	return nil
}

func (c *Client) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ensureSourceID generates and persists a per-tenant source id on first use.
func ensureSourceID(db *sql.DB, tenantID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _offsync_client_info WHERE tenant_id = ?`, tenantID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _offsync_client_info (tenant_id, source_id)
			VALUES (?, ?)
		`, tenantID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// requeueInFlight moves operations left in_flight by a crashed process back
// to pending without touching their attempt counts or idempotency keys.
func (c *Client) requeueInFlight(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _offsync_operations SET status = ? WHERE tenant_id = ? AND status = ?
	`, StatusPending, c.TenantID, StatusInFlight)
	return err
}

// Stats returns outbox counters for sync-status badges.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM _offsync_operations
		WHERE tenant_id = ? GROUP BY status
	`, c.TenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusInFlight:
			stats.InFlight = count
		case StatusFailed:
			stats.Failed = count
		case StatusConflict:
			stats.Conflicts = count
		}
	}
	return stats, rows.Err()
}
