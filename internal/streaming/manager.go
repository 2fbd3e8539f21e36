package streaming

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published for an execution.
const (
	EventExecutionStarted = "execution_started"
	EventExecutionStatus  = "execution_status"
	EventStageStarted     = "stage_started"
	EventStageCompleted   = "stage_completed"
	EventIntervention     = "intervention"
	EventAlert            = "alert"
	EventReportReady      = "report_ready"
)

// Event is one progress notification for an execution.
type Event struct {
	ExecutionID string                 `json:"execution_id"`
	Type        string                 `json:"type"`
	Stage       string                 `json:"stage,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Seq         uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in websocket frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(executionID string, evt Event)
}

// Persister stores events after they have been sequenced.
type Persister interface {
	PersistEvent(evt Event)
}

// Manager provides in-memory pub/sub for execution events with a per-execution
// ring buffer for replay. When a Redis client is attached every event is also
// appended to a capped Redis stream so other processes can read it.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int

	rdb       *redis.Client
	streamLen int64
	persist   Persister
	logger    *zap.Logger
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// Get returns the process-wide manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity, nil)
	})
	return defaultMgr
}

// NewManager creates a manager whose rings hold capacity events per execution.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// WithRedis mirrors published events into Redis streams capped at maxLen entries.
func (m *Manager) WithRedis(rdb *redis.Client, maxLen int64) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rdb = rdb
	m.streamLen = maxLen
	return m
}

// WithPersister hands every published event to p.
func (m *Manager) WithPersister(p Persister) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = p
	return m
}

// StreamKey is the Redis stream holding an execution's events.
func StreamKey(executionID string) string {
	return "diligence:events:" + executionID
}

// Subscribe adds a subscriber channel for an execution; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(executionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[executionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[executionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(executionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[executionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, executionID)
		}
	}
}

// Publish sends an event to all subscribers of executionID (non-blocking).
func (m *Manager) Publish(executionID string, evt Event) {
	evt.ExecutionID = executionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[executionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[executionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := make([]chan Event, 0, len(m.subscribers[executionID]))
	for ch := range m.subscribers[executionID] {
		subs = append(subs, ch)
	}
	// Deliver under the lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	rdb, maxLen, persist := m.rdb, m.streamLen, m.persist
	m.mu.Unlock()

	if rdb != nil {
		m.mirror(rdb, maxLen, evt)
	}
	if persist != nil {
		persist.PersistEvent(evt)
	}
}

func (m *Manager) mirror(rdb *redis.Client, maxLen int64, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: StreamKey(evt.ExecutionID),
		Values: map[string]interface{}{
			"seq":   strconv.FormatUint(evt.Seq, 10),
			"type":  evt.Type,
			"event": string(evt.Marshal()),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	if err := rdb.XAdd(ctx, args).Err(); err != nil {
		m.logger.Warn("Failed to mirror event to redis stream",
			zap.String("execution_id", evt.ExecutionID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(executionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[executionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ReadStream returns mirrored events with Seq > since from Redis, for
// processes that did not publish them. It requires WithRedis.
func (m *Manager) ReadStream(ctx context.Context, executionID string, since uint64) ([]Event, error) {
	m.mu.RLock()
	rdb := m.rdb
	m.mu.RUnlock()
	if rdb == nil {
		return m.ReplaySince(executionID, since), nil
	}
	msgs, err := rdb.XRange(ctx, StreamKey(executionID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["event"].(string)
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			m.logger.Warn("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Forget drops the history of a finished execution once nobody is subscribed.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subscribers[executionID]) == 0 {
		delete(m.history, executionID)
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
