// Package db is the SQL backend for the evidence store, execution ledger,
// report store and alert delivery log. It runs on PostgreSQL in production and
// SQLite for single-node deployments and tests.
package db

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Workers drain the async write queue. QueueSize bounds it.
	Workers   int
	QueueSize int
}

// Client manages the connection pool and the async write queue.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	// Write queue for audit rows nobody reads back on the hot path
	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeSearchRecord WriteType = iota
	WriteTypeAlertAttempt
	WriteTypeEvent
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeSearchRecord:
		return "SearchRecord"
	case WriteTypeAlertAttempt:
		return "AlertAttempt"
	case WriteTypeEvent:
		return "Event"
	default:
		return "Unknown"
	}
}

// NewClient opens the database, applies pending migrations and starts the
// write workers.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Driver == "sqlite3" {
		// SQLite serializes writers; one connection avoids "database is locked".
		cfg.MaxOpenConns, cfg.MaxIdleConns = 1, 1
		cfg.ConnMaxLifetime = 0
	}

	raw, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errs.WrapKind(err, errs.KindConfig, "open %s database", cfg.Driver)
	}
	c := NewClientWithDB(raw, cfg, logger)
	c.db.SetPool(cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		_ = c.Close()
		return nil, errs.WrapKind(err, errs.KindTransient, "ping %s database", cfg.Driver)
	}
	if err := c.Migrate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.Info("Database client initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxOpenConns),
		zap.Int("workers", c.workers),
	)
	return c, nil
}

// NewClientWithDB wraps an already opened handle without pinging or migrating.
func NewClientWithDB(raw *sqlx.DB, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	c := &Client{
		db:         circuitbreaker.NewDatabaseWrapper(raw, logger),
		logger:     logger,
		writeQueue: make(chan WriteRequest, cfg.QueueSize),
		workers:    cfg.Workers,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()
	return c
}

// startWorkers initializes the worker pool for async writes
func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker processes write requests from the queue. Search records are
// batched because a discovery stage produces many at once.
func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	batch := make([]WriteRequest, 0, 100)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(batch)
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return

		case req := <-c.writeQueue:
			if req.Type == WriteTypeSearchRecord {
				batch = append(batch, req)
				if len(batch) >= 100 {
					c.processBatch(batch)
					batch = batch[:0]
				}
				continue
			}
			c.processWrite(req)

		case <-ticker.C:
			if len(batch) > 0 {
				c.processBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// processWrite handles a single write request
func (c *Client) processWrite(req WriteRequest) {
	ctx := context.Background()
	var err error
	switch req.Type {
	case WriteTypeSearchRecord:
		c.processBatch([]WriteRequest{req})
		return
	case WriteTypeAlertAttempt:
		if at, ok := req.Data.(attemptRow); ok {
			err = c.insertAttempt(ctx, at)
		}
	case WriteTypeEvent:
		if ev, ok := req.Data.(eventRow); ok {
			err = c.insertEvent(ctx, ev)
		}
	default:
		err = errs.Newf("unknown write type %d", req.Type)
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

// processBatch inserts buffered search records in one transaction.
func (c *Client) processBatch(batch []WriteRequest) {
	if len(batch) == 0 {
		return
	}
	c.logger.Debug("Processing batch writes", zap.Int("count", len(batch)))
	if err := c.processBatchErr(batch); err != nil {
		c.logger.Error("Failed to batch save search records", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func (c *Client) processBatchErr(batch []WriteRequest) error {
	rows := make([]searchRow, 0, len(batch))
	for _, req := range batch {
		if r, ok := req.Data.(searchRow); ok {
			rows = append(rows, r)
		}
	}
	err := c.insertSearches(context.Background(), rows)
	for _, req := range batch {
		if req.Callback != nil {
			req.Callback(err)
		}
	}
	return err
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue(batch []WriteRequest) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			if req.Type == WriteTypeSearchRecord {
				batch = append(batch, req)
				continue
			}
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			c.processBatch(batch)
			return
		default:
			c.processBatch(batch)
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. A full queue falls back
// to a synchronous write so audit rows are never dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case <-c.stopCh:
		c.processWrite(req)
		return
	default:
	}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

// Ping checks connectivity through the circuit breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close stops the workers after they drain the queue and closes the pool.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return errs.Wrap(err, "close database")
	}
	c.logger.Info("Database client closed")
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// WithTx runs fn in a transaction, rolling back on error or panic.
func (c *Client) WithTx(ctx context.Context, fn func(*circuitbreaker.TxWrapper) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit")
	}
	return nil
}

func (c *Client) isSQLite() bool {
	return strings.HasPrefix(c.db.DriverName(), "sqlite")
}
