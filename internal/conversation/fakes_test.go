package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/dmsync/internal/domain"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock fires timers only when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// Elapsed returns the time since epoch.
func (c *fakeClock) Elapsed() time.Duration {
	return c.Now().Sub(epoch)
}

// fakeStore implements MessageStore in memory.
type fakeStore struct {
	mu sync.Mutex

	messages  []domain.Message
	supported bool
	probeErr  error
	insertErr error
	updateErr error
	nextID    int
	clock     Clock

	// insertStarted is signalled when Insert begins; Insert then waits on insertGate.
	insertStarted chan struct{}
	insertGate    chan struct{}
	// beforeReturn runs after the row is stored and before Insert returns.
	beforeReturn func(domain.Message)

	updateCalls [][]string
	fetchCalls  int
}

func newFakeStore(clock Clock, supported bool) *fakeStore {
	return &fakeStore{clock: clock, supported: supported}
}

func (f *fakeStore) FetchSnapshot(ctx context.Context, conversationID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	var out []domain.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) Insert(ctx context.Context, conversationID, authorID, content string, status domain.Status) (domain.Message, error) {
	if f.insertStarted != nil {
		f.insertStarted <- struct{}{}
	}
	if f.insertGate != nil {
		<-f.insertGate
	}

	f.mu.Lock()
	if f.insertErr != nil {
		f.mu.Unlock()
		return domain.Message{}, f.insertErr
	}
	f.nextID++
	m := domain.Message{
		ID:             fmt.Sprintf("srv%d", f.nextID),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		CreatedAt:      f.clock.Now(),
		Status:         status,
	}
	f.messages = append(f.messages, m)
	hook := f.beforeReturn
	f.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, ids []string, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, append([]string(nil), ids...))
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.messages {
		for _, id := range ids {
			if f.messages[i].ID == id {
				f.messages[i].Status = status
			}
		}
	}
	return nil
}

func (f *fakeStore) ProbeStatusCapability(ctx context.Context) (bool, error) {
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.supported, nil
}

func (f *fakeStore) seed(msgs ...domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
}

func (f *fakeStore) updates() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.updateCalls...)
}

// fakeFeed lets tests push inserts and updates by hand.
type fakeFeed struct {
	mu           sync.Mutex
	onInsert     func(domain.Message)
	onUpdate     func(domain.Message)
	onLost       func(error)
	subscribeErr error
	subscribes   int
	unsubscribed bool
}

func (f *fakeFeed) Subscribe(ctx context.Context, conversationID string, onInsert, onUpdate func(domain.Message), onLost func(error)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeErr != nil {
		return "", f.subscribeErr
	}
	f.onInsert, f.onUpdate, f.onLost = onInsert, onUpdate, onLost
	return Handle(fmt.Sprintf("feed-%s-%d", conversationID, f.subscribes)), nil
}

func (f *fakeFeed) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

// lose ends the current subscription the way a dropped store connection does.
func (f *fakeFeed) lose() {
	f.mu.Lock()
	fn := f.onLost
	f.onInsert, f.onUpdate, f.onLost = func(domain.Message) {}, func(domain.Message) {}, nil
	f.mu.Unlock()
	fn(domain.ErrFeedLost)
}

func (f *fakeFeed) Unsubscribe(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeFeed) insert(m domain.Message) {
	f.mu.Lock()
	fn := f.onInsert
	f.mu.Unlock()
	fn(m)
}

func (f *fakeFeed) update(m domain.Message) {
	f.mu.Lock()
	fn := f.onUpdate
	f.mu.Unlock()
	fn(m)
}

// fakePresence records publishes and lets tests push snapshots.
type fakePresence struct {
	mu           sync.Mutex
	onSnapshot   func([]domain.PresenceRecord)
	published    []domain.PresenceRecord
	publishErr   error
	unsubscribed bool
}

func (f *fakePresence) Subscribe(ctx context.Context, conversationID string, onSnapshot func([]domain.PresenceRecord)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSnapshot = onSnapshot
	return Handle("presence-" + conversationID), nil
}

func (f *fakePresence) Publish(ctx context.Context, h Handle, rec domain.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, rec)
	return nil
}

func (f *fakePresence) Unsubscribe(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakePresence) snapshot(records ...domain.PresenceRecord) {
	f.mu.Lock()
	fn := f.onSnapshot
	f.mu.Unlock()
	fn(records)
}

func (f *fakePresence) typingPublishes() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, 0, len(f.published))
	for _, rec := range f.published {
		out = append(out, rec.Typing)
	}
	return out
}

// loopbackPresence is an in-memory presence channel shared by several
// sessions. Every publish is broadcast synchronously to all subscribers.
type loopbackPresence struct {
	mu      sync.Mutex
	next    int
	subs    map[Handle]func([]domain.PresenceRecord)
	records map[Handle]domain.PresenceRecord
}

func newLoopbackPresence() *loopbackPresence {
	return &loopbackPresence{
		subs:    make(map[Handle]func([]domain.PresenceRecord)),
		records: make(map[Handle]domain.PresenceRecord),
	}
}

func (p *loopbackPresence) Subscribe(ctx context.Context, conversationID string, onSnapshot func([]domain.PresenceRecord)) (Handle, error) {
	p.mu.Lock()
	p.next++
	h := Handle(fmt.Sprintf("presence-%d", p.next))
	p.subs[h] = onSnapshot
	p.mu.Unlock()
	p.broadcast()
	return h, nil
}

func (p *loopbackPresence) Publish(ctx context.Context, h Handle, rec domain.PresenceRecord) error {
	p.mu.Lock()
	p.records[h] = rec
	p.mu.Unlock()
	p.broadcast()
	return nil
}

func (p *loopbackPresence) Unsubscribe(h Handle) error {
	p.mu.Lock()
	delete(p.subs, h)
	delete(p.records, h)
	p.mu.Unlock()
	p.broadcast()
	return nil
}

func (p *loopbackPresence) broadcast() {
	p.mu.Lock()
	records := make([]domain.PresenceRecord, 0, len(p.records))
	for _, rec := range p.records {
		records = append(records, rec)
	}
	subs := make([]func([]domain.PresenceRecord), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(records)
	}
}

func msg(id, author string, at time.Duration, status domain.Status) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "conv1",
		AuthorID:       author,
		Content:        "content " + id,
		CreatedAt:      epoch.Add(at),
		Status:         status,
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
