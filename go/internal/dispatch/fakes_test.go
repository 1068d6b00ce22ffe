package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcdev12/eventrelay/go/internal/channel"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/outbox"
	"github.com/mcdev12/eventrelay/go/internal/subscription"
)

// rowState is the mutable part of a dispatched row.
type rowState struct {
	status      models.Status
	retryCount  int
	nextRetryAt time.Time
	lastError   string
	httpStatus  *int
	durationMs  *int
}

// memStates implements stateWriter over an in-memory map with the same
// conditional semantics as the SQL state table.
type memStates struct {
	mu        sync.Mutex
	rows      map[int64]*rowState
	claims    int64
	reclaims  int64
	failWrite bool
}

func newMemStates() *memStates {
	return &memStates{rows: make(map[int64]*rowState)}
}

func (m *memStates) Claim(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || (r.status != models.StatusNew && r.status != models.StatusFailed) {
		return false, nil
	}
	r.status = models.StatusSending
	m.claims++
	return true, nil
}

func (m *memStates) sending(id int64) (*rowState, error) {
	if m.failWrite {
		return nil, outbox.ErrStateConflict
	}
	r, ok := m.rows[id]
	if !ok || r.status != models.StatusSending {
		return nil, outbox.ErrStateConflict
	}
	return r, nil
}

func (m *memStates) MarkSuccess(_ context.Context, id int64, o outbox.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.sending(id)
	if err != nil {
		return err
	}
	r.status = models.StatusSuccess
	r.httpStatus, r.durationMs = o.HTTPStatus, o.DurationMs
	return nil
}

func (m *memStates) MarkFailed(_ context.Context, id int64, retryCount int, next time.Time, dead bool, lastError string, o outbox.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.sending(id)
	if err != nil {
		return err
	}
	r.status = models.StatusFailed
	if dead {
		r.status = models.StatusDead
	}
	r.retryCount = retryCount
	r.nextRetryAt = next
	r.lastError = lastError
	r.httpStatus, r.durationMs = o.HTTPStatus, o.DurationMs
	return nil
}

func (m *memStates) MarkDead(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.sending(id)
	if err != nil {
		return err
	}
	r.status = models.StatusDead
	r.lastError = reason
	return nil
}

func (m *memStates) ReclaimStuck(context.Context, time.Duration) (int64, error) {
	atomic.AddInt64(&m.reclaims, 1)
	return 0, nil
}

func (m *memStates) get(id int64) rowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

// dueIDs returns claimable ids due at now, oldest first.
func (m *memStates) dueIDs(now time.Time, limit int) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.rows {
		if (r.status == models.StatusNew || r.status == models.StatusFailed) && !r.nextRetryAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

type memDeliveries struct {
	*memStates
	templates map[int64]models.Delivery
}

func newMemDeliveries(now time.Time, rows ...models.Delivery) *memDeliveries {
	m := &memDeliveries{memStates: newMemStates(), templates: make(map[int64]models.Delivery)}
	for _, d := range rows {
		m.templates[d.ID] = d
		m.rows[d.ID] = &rowState{status: models.StatusNew, retryCount: d.RetryCount, nextRetryAt: now}
	}
	return m
}

func (m *memDeliveries) FindDue(_ context.Context, now time.Time, limit int) ([]models.Delivery, error) {
	var out []models.Delivery
	for _, id := range m.dueIDs(now, limit) {
		d := m.templates[id]
		s := m.get(id)
		d.Status = s.status
		d.RetryCount = s.retryCount
		out = append(out, d)
	}
	return out, nil
}

type memOutbox struct {
	*memStates
	templates map[int64]models.OutboxMessage
}

func newMemOutbox(now time.Time, rows ...models.OutboxMessage) *memOutbox {
	m := &memOutbox{memStates: newMemStates(), templates: make(map[int64]models.OutboxMessage)}
	for _, msg := range rows {
		m.templates[msg.ID] = msg
		m.rows[msg.ID] = &rowState{status: models.StatusNew, nextRetryAt: now}
	}
	return m
}

func (m *memOutbox) FindDue(_ context.Context, now time.Time, limit int) ([]models.OutboxMessage, error) {
	var out []models.OutboxMessage
	for _, id := range m.dueIDs(now, limit) {
		msg := m.templates[id]
		s := m.get(id)
		msg.Status = s.status
		msg.RetryCount = s.retryCount
		out = append(out, msg)
	}
	return out, nil
}

type subLookup struct {
	subs map[int64]*models.Subscription
	err  error
}

func (l subLookup) FindByID(_ context.Context, id int64) (*models.Subscription, error) {
	if l.err != nil {
		return nil, l.err
	}
	s, ok := l.subs[id]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return s, nil
}

// scriptedChannel returns results from script in order, repeating the last.
// send overrides the script when set.
type scriptedChannel struct {
	typ    models.ChannelType
	mu     sync.Mutex
	script []channel.Result
	sent   map[string]int
	send   func(channel.Message) channel.Result
}

func newScripted(typ models.ChannelType, script ...channel.Result) *scriptedChannel {
	return &scriptedChannel{typ: typ, script: script, sent: make(map[string]int)}
}

func (c *scriptedChannel) Type() models.ChannelType { return c.typ }

func (c *scriptedChannel) Send(_ context.Context, msg channel.Message, _ *models.Subscription) channel.Result {
	c.mu.Lock()
	c.sent[msg.EventID]++
	if c.send != nil {
		c.mu.Unlock()
		return c.send(msg)
	}
	res := c.script[0]
	if len(c.script) > 1 {
		c.script = c.script[1:]
	}
	c.mu.Unlock()
	return res
}

func (c *scriptedChannel) sends(eventID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[eventID]
}

type countingRecorder struct {
	mu      sync.Mutex
	success int
	failed  []int
	dead    int
	batches []metrics.Batch
}

func (r *countingRecorder) OnCreated(metrics.Kind, string) {}

func (r *countingRecorder) OnSuccess(metrics.Kind, string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success++
}

func (r *countingRecorder) OnFailure(_ metrics.Kind, _ string, retryCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, retryCount)
}

func (r *countingRecorder) OnDeadLetter(metrics.Kind, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead++
}

func (r *countingRecorder) OnBatch(_ metrics.Kind, b metrics.Batch, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}
