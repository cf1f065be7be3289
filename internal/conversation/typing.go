package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/dmsync/internal/domain"
)

const (
	// DefaultIdleTimeout is how long the local side stays "typing" after the last input.
	DefaultIdleTimeout = 2 * time.Second
	// DefaultStaleAfter bounds how long a remote typing record is trusted without a refresh.
	DefaultStaleAfter = 10 * time.Second
)

type typingState int

const (
	typingIdle typingState = iota
	typingActive
)

// PublishFunc sends the local typing flag to the presence channel.
type PublishFunc func(typing bool) error

// TypingTracker is the local side of the typing state machine.
//
// idle -> typing on the first input, publishing true immediately.
// typing -> typing on further input, only resetting the idle timer.
// typing -> idle when the timer elapses, publishing false.
//
// While typing, true is published again every heartbeat so that peers
// do not mistake a long burst of input for a stale record. A failed true
// publish leaves the tracker idle so the next input retries it.
type TypingTracker struct {
	mu        sync.Mutex
	pubMu     sync.Mutex // orders publishes
	clock     Clock
	timeout   time.Duration
	heartbeat time.Duration
	publish   PublishFunc
	logger    *slog.Logger

	state   typingState
	timer   Timer
	gen     uint64
	beat    Timer
	beatGen uint64
	stopped bool
}

// NewTypingTracker creates an idle tracker. A heartbeat of zero or less
// disables the periodic refresh.
func NewTypingTracker(clock Clock, timeout, heartbeat time.Duration, publish PublishFunc, logger *slog.Logger) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingTracker{
		clock:     clock,
		timeout:   timeout,
		heartbeat: heartbeat,
		publish:   publish,
		logger:    logger,
	}
}

// HeartbeatFor returns the refresh interval that keeps a typing record
// fresh for peers applying the staleAfter cutoff.
func HeartbeatFor(staleAfter time.Duration) time.Duration {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return staleAfter / 2
}

// Input registers one draft change event.
func (t *TypingTracker) Input() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.state == typingActive {
		t.armLocked()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	// Another input may have won the race while we waited for pubMu.
	if t.stopped || t.state == typingActive {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.publish(true); err != nil {
		t.logger.Debug("typing publish skipped", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.state = typingActive
	t.armLocked()
	t.armBeatLocked()
}

// Clear moves the tracker to idle right away and publishes false if it was typing.
func (t *TypingTracker) Clear() {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	if t.stopped || t.state != typingActive {
		t.mu.Unlock()
		return
	}
	t.toIdleLocked()
	t.mu.Unlock()

	if err := t.publish(false); err != nil {
		t.logger.Debug("typing clear publish skipped", "error", err)
	}
}

// Typing reports whether the local side is currently considered typing.
func (t *TypingTracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == typingActive
}

// Stop cancels the idle timer. No publish happens after Stop returns.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.toIdleLocked()
}

func (t *TypingTracker) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(gen) })
}

func (t *TypingTracker) armBeatLocked() {
	if t.heartbeat <= 0 {
		return
	}
	if t.beat != nil {
		t.beat.Stop()
	}
	t.beatGen++
	gen := t.beatGen
	t.beat = t.clock.AfterFunc(t.heartbeat, func() { t.refresh(gen) })
}

func (t *TypingTracker) toIdleLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.beat != nil {
		t.beat.Stop()
		t.beat = nil
	}
	t.gen++
	t.beatGen++
	t.state = typingIdle
}

// refresh republishes true while the tracker stays in the typing state.
// A failed refresh is retried on the next beat.
func (t *TypingTracker) refresh(gen uint64) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	if t.stopped || gen != t.beatGen || t.state != typingActive {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.publish(true); err != nil {
		t.logger.Debug("typing refresh skipped", "error", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || gen != t.beatGen || t.state != typingActive {
		return
	}
	t.armBeatLocked()
}

func (t *TypingTracker) expire(gen uint64) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	if t.stopped || gen != t.gen || t.state != typingActive {
		t.mu.Unlock()
		return
	}
	t.toIdleLocked()
	t.mu.Unlock()

	if err := t.publish(false); err != nil {
		t.logger.Debug("typing idle publish skipped", "error", err)
	}
}

// RemoteTyping evaluates a presence snapshot for participantID. Records older
// than staleAfter are ignored; a live publisher refreshes its record every
// HeartbeatFor(staleAfter). When typing is active the returned deadline is
// when the indicator should expire absent a fresh snapshot.
func RemoteTyping(records []domain.PresenceRecord, participantID string, now time.Time, staleAfter time.Duration) (bool, time.Time) {
	var active bool
	var deadline time.Time
	for _, rec := range records {
		if rec.ParticipantID != participantID || !rec.Typing {
			continue
		}
		seen := rec.UpdatedAt
		if seen.IsZero() {
			seen = now
		}
		expires := seen.Add(staleAfter)
		if !expires.After(now) {
			continue
		}
		active = true
		if expires.After(deadline) {
			deadline = expires
		}
	}
	return active, deadline
}
