package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nfrund/dmsync/internal/domain"
)

var validate = validator.New()

const (
	defaultFeedRetry = time.Second
	maxFeedRetry     = 30 * time.Second
)

// Config identifies the conversation and the two participants of a session.
type Config struct {
	ConversationID string `validate:"required"`
	LocalID        string `validate:"required"`
	RemoteID       string `validate:"required,nefield=LocalID"`
}

// State is an immutable view of a session for the presentation layer.
type State struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
	RemoteTyping   bool             `json:"remote_typing"`
	ReadReceipts   bool             `json:"read_receipts"`
	Draft          string           `json:"draft"`
}

// SendFailure is the user-visible notice for a send that was rolled back.
type SendFailure struct {
	TempID string
	Draft  string
	Err    error
}

// Option is a function that configures a Session.
type Option func(*Session)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithIdleTimeout sets how long local typing stays active after the last input.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

// WithStaleAfter sets the cutoff after which remote typing records are ignored.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Session) { s.staleAfter = d }
}

// WithClearTypingOnSend publishes typing:false as soon as a message is sent.
func WithClearTypingOnSend(enabled bool) Option {
	return func(s *Session) { s.clearOnSend = enabled }
}

// WithFeedRetry sets the first delay between attempts to re-establish a
// lost change feed. The delay doubles up to maxFeedRetry.
func WithFeedRetry(d time.Duration) Option {
	return func(s *Session) { s.feedRetry = d }
}

// WithObserver attaches instrumentation.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithLogger replaces the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session binds one local participant to one conversation. It owns the
// ordered message list and both subscriptions for its whole lifetime.
//
// Network calls are made without holding the session lock, so feed events,
// presence snapshots and draft input keep flowing while a request is in
// flight. Every callback checks the liveness flag before touching state.
type Session struct {
	cfg      Config
	store    MessageStore
	feed     ChangeFeed
	presence PresenceChannel

	clock       Clock
	idleTimeout time.Duration
	staleAfter  time.Duration
	clearOnSend bool
	feedRetry   time.Duration
	observer    Observer
	logger      *slog.Logger

	typing *TypingTracker

	mu              sync.Mutex
	opened          bool
	closed          bool
	statusSupported bool
	rec             *Reconciler
	draft           string
	remoteTyping    bool
	remoteExpiry    Timer
	remoteGen       uint64
	readInFlight    map[string]struct{}
	feedHandle      Handle
	feedLost        bool
	feedRetryTimer  Timer
	presenceHandle  Handle

	updates  chan struct{}
	failures chan SendFailure
}

// NewSession validates cfg and wires the session to its collaborators.
// Nothing touches the network until Open.
func NewSession(cfg Config, store MessageStore, feed ChangeFeed, presence PresenceChannel, opts ...Option) (*Session, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	s := &Session{
		cfg:          cfg,
		store:        store,
		feed:         feed,
		presence:     presence,
		clock:        SystemClock(),
		idleTimeout:  DefaultIdleTimeout,
		staleAfter:   DefaultStaleAfter,
		feedRetry:    defaultFeedRetry,
		observer:     noopObserver{},
		rec:          NewReconciler(),
		readInFlight: make(map[string]struct{}),
		updates:      make(chan struct{}, 1),
		failures:     make(chan SendFailure, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With(
			"component", "conversation",
			"conversation_id", cfg.ConversationID,
			"participant_id", cfg.LocalID,
		)
	}
	s.typing = NewTypingTracker(s.clock, s.idleTimeout, HeartbeatFor(s.staleAfter), s.publishTyping, s.logger)
	return s, nil
}

// Open probes the status capability, subscribes to the change feed, merges
// the stored snapshot and joins the presence channel. Feed events that race
// the snapshot are de-duplicated by the reconciler.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	case s.opened:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	supported, err := s.store.ProbeStatusCapability(ctx)
	if err != nil {
		s.logger.Info("status capability probe failed, read receipts disabled", "error", err)
		supported = false
	}
	s.mu.Lock()
	s.statusSupported = supported
	s.mu.Unlock()

	feedHandle, err := s.feed.Subscribe(ctx, s.cfg.ConversationID, s.handleInsert, s.handleUpdate, s.handleFeedLost)
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}

	snapshot, err := s.store.FetchSnapshot(ctx, s.cfg.ConversationID)
	if err != nil {
		s.unsubscribeQuietly(feedHandle, "")
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unsubscribeQuietly(feedHandle, "")
		return domain.ErrSessionClosed
	}
	s.rec.Merge(snapshot)
	s.notifyLocked()
	s.mu.Unlock()

	presenceHandle, err := s.presence.Subscribe(ctx, s.cfg.ConversationID, s.handleSnapshot)
	if err != nil {
		s.unsubscribeQuietly(feedHandle, "")
		return fmt.Errorf("subscribe presence: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unsubscribeQuietly(feedHandle, presenceHandle)
		return domain.ErrSessionClosed
	}
	s.feedHandle = feedHandle
	s.presenceHandle = presenceHandle
	s.opened = true
	// The feed dropped while Open was still running.
	lost := s.feedLost
	if lost {
		s.feedHandle = ""
		s.feedLost = false
	}
	s.mu.Unlock()

	if lost {
		s.recoverFeed(s.feedRetry)
	}

	// Announce ourselves as present and not typing.
	if err := s.publishTyping(false); err != nil {
		s.logger.Debug("initial presence track skipped", "error", err)
	}

	s.observer.SessionOpened()
	s.logger.Info("Conversation session opened",
		"messages", len(snapshot),
		"read_receipts", supported)
	return nil
}

// SendMessage appends an optimistic copy, persists the message and swaps the
// copy for the confirmed row. On failure the copy is removed, the draft is
// restored and a SendFailure notice is emitted. It never retries.
func (s *Session) SendMessage(ctx context.Context, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, domain.ErrEmptyContent
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrSessionClosed
	}
	if !s.opened {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrSessionNotOpen
	}
	var optimisticStatus, insertStatus domain.Status
	if s.statusSupported {
		optimisticStatus = domain.StatusSending
		insertStatus = domain.StatusDelivered
	}
	optimistic := domain.Message{
		ID:             domain.NewTemporaryID(),
		ConversationID: s.cfg.ConversationID,
		AuthorID:       s.cfg.LocalID,
		Content:        content,
		CreatedAt:      s.clock.Now(),
		Status:         optimisticStatus,
	}
	s.rec.AddOptimistic(optimistic)
	s.draft = ""
	s.notifyLocked()
	s.mu.Unlock()

	if s.clearOnSend {
		s.typing.Clear()
	}

	confirmed, err := s.store.Insert(ctx, s.cfg.ConversationID, s.cfg.LocalID, content, insertStatus)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if err != nil {
			return domain.Message{}, fmt.Errorf("send message: %w", err)
		}
		return confirmed, nil
	}

	if err != nil {
		s.rec.Remove(optimistic.ID)
		s.draft = content
		s.observer.SendFailed()
		s.logger.Warn("Message send failed, draft restored", "temp_id", optimistic.ID, "error", err)
		s.emitFailureLocked(SendFailure{TempID: optimistic.ID, Draft: content, Err: err})
		s.notifyLocked()
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}

	s.rec.Confirm(optimistic.ID, confirmed)
	s.observer.MessageSent()
	s.notifyLocked()
	return confirmed, nil
}

// MarkVisibleAsRead marks every confirmed message from the remote participant
// that is not read yet. It makes no network call when there is nothing to
// mark, when status tracking is unsupported, or when the same ids are
// already being marked by a concurrent call.
func (s *Session) MarkVisibleAsRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || !s.opened || !s.statusSupported {
		s.mu.Unlock()
		return nil
	}
	var ids []string
	for _, id := range s.rec.Unread(s.cfg.RemoteID) {
		if _, busy := s.readInFlight[id]; busy {
			continue
		}
		ids = append(ids, id)
		s.readInFlight[id] = struct{}{}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	err := s.store.UpdateStatus(ctx, ids, domain.StatusRead)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.readInFlight, id)
	}
	if s.closed {
		return nil
	}
	if err != nil {
		s.logger.Warn("Failed to mark messages as read", "count", len(ids), "error", err)
		return fmt.Errorf("mark read: %w", err)
	}
	if s.rec.SetStatus(ids, domain.StatusRead) > 0 {
		s.notifyLocked()
	}
	s.observer.ReadMarked(len(ids))
	return nil
}

// DraftChanged records the draft text and drives the typing tracker.
// Call it on every keystroke. The draft originates locally, so recording
// it does not signal Updates; it only surfaces in State when a failed
// send restores it.
func (s *Session) DraftChanged(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.draft = text
	s.mu.Unlock()

	s.typing.Input()
}

// Resync re-fetches the snapshot and merges it, for use after a transport
// reconnect where gap-free feed delivery cannot be assumed.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.mu.Unlock()

	snapshot, err := s.store.FetchSnapshot(ctx, s.cfg.ConversationID)
	if err != nil {
		return fmt.Errorf("resync snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.rec.Merge(snapshot)
	s.notifyLocked()
	return nil
}

// Close tears down both subscriptions. No state changes after Close returns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasOpen := s.opened
	feedHandle, presenceHandle := s.feedHandle, s.presenceHandle
	if s.remoteExpiry != nil {
		s.remoteExpiry.Stop()
		s.remoteExpiry = nil
	}
	if s.feedRetryTimer != nil {
		s.feedRetryTimer.Stop()
		s.feedRetryTimer = nil
	}
	close(s.updates)
	close(s.failures)
	s.mu.Unlock()

	s.typing.Stop()

	var errs []error
	if feedHandle != "" {
		if err := s.feed.Unsubscribe(feedHandle); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe change feed: %w", err))
		}
	}
	if presenceHandle != "" {
		if err := s.presence.Unsubscribe(presenceHandle); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe presence: %w", err))
		}
	}
	if wasOpen {
		s.observer.SessionClosed()
	}
	s.logger.Info("Conversation session closed")
	return errors.Join(errs...)
}

// State returns a copy of the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ConversationID: s.cfg.ConversationID,
		Messages:       s.rec.Messages(),
		RemoteTyping:   s.remoteTyping,
		ReadReceipts:   s.statusSupported,
		Draft:          s.draft,
	}
}

// Messages returns the ordered message list.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Messages()
}

// RemoteTypingActive reports whether the remote participant is typing.
func (s *Session) RemoteTypingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTyping
}

// StatusSupported reports the cached capability probe result.
func (s *Session) StatusSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusSupported
}

// LocalTypingActive reports the local side of the typing state machine.
func (s *Session) LocalTypingActive() bool {
	return s.typing.Typing()
}

// Updates signals state changes. Signals coalesce; read State after each one.
// The channel is closed by Close.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Failures delivers send rollbacks. The channel is closed by Close.
func (s *Session) Failures() <-chan SendFailure {
	return s.failures
}

func (s *Session) handleInsert(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if m.ConversationID != "" && m.ConversationID != s.cfg.ConversationID {
		return
	}
	if !s.rec.ApplyInsert(m) {
		s.observer.DuplicateDropped()
		s.logger.Debug("duplicate insert dropped", "message_id", m.ID)
		return
	}
	s.notifyLocked()
}

func (s *Session) handleUpdate(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.statusSupported {
		return
	}
	if !s.rec.ApplyUpdate(m) {
		s.observer.UpdateDropped()
		s.logger.Debug("update for unknown message dropped", "message_id", m.ID)
		return
	}
	s.notifyLocked()
}

// handleFeedLost runs when the change feed ends on its own, typically because
// the store connection was replaced. Events may have been missed in between,
// so the feed is subscribed again and the snapshot merged on top.
func (s *Session) handleFeedLost(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.opened {
		s.feedLost = true
		s.mu.Unlock()
		return
	}
	s.feedHandle = ""
	s.mu.Unlock()

	s.logger.Warn("Change feed lost, re-subscribing", "error", err)
	s.recoverFeed(s.feedRetry)
}

// recoverFeed re-subscribes the change feed if needed and resyncs. On
// failure it schedules another attempt after delay.
func (s *Session) recoverFeed(delay time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.feedRetryTimer = nil
	subscribed := s.feedHandle != ""
	s.mu.Unlock()

	ctx := context.Background()
	err := s.resubscribeFeed(ctx, subscribed)
	if err == nil {
		err = s.Resync(ctx)
	}
	switch {
	case err == nil:
		s.logger.Info("Change feed re-established")
		return
	case errors.Is(err, domain.ErrSessionClosed):
		return
	}

	next := min(delay*2, maxFeedRetry)
	s.logger.Warn("Change feed recovery failed, will retry", "error", err, "retry_in", delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.feedRetryTimer = s.clock.AfterFunc(delay, func() { s.recoverFeed(next) })
}

func (s *Session) resubscribeFeed(ctx context.Context, subscribed bool) error {
	if subscribed {
		return nil
	}
	handle, err := s.feed.Subscribe(ctx, s.cfg.ConversationID, s.handleInsert, s.handleUpdate, s.handleFeedLost)
	if err != nil {
		return fmt.Errorf("resubscribe change feed: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unsubscribeQuietly(handle, "")
		return domain.ErrSessionClosed
	}
	s.feedHandle = handle
	s.mu.Unlock()
	return nil
}

func (s *Session) handleSnapshot(records []domain.PresenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	now := s.clock.Now()
	active, deadline := RemoteTyping(records, s.cfg.RemoteID, now, s.staleAfter)

	if s.remoteExpiry != nil {
		s.remoteExpiry.Stop()
		s.remoteExpiry = nil
	}
	s.remoteGen++
	if active {
		gen := s.remoteGen
		s.remoteExpiry = s.clock.AfterFunc(deadline.Sub(now), func() { s.expireRemoteTyping(gen) })
	}

	if active != s.remoteTyping {
		s.remoteTyping = active
		s.notifyLocked()
	}
}

func (s *Session) expireRemoteTyping(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.remoteGen || !s.remoteTyping {
		return
	}
	s.remoteExpiry = nil
	s.remoteTyping = false
	s.logger.Debug("remote typing indicator expired")
	s.notifyLocked()
}

// publishTyping is the tracker's PublishFunc. It refuses to publish before
// the presence subscription is confirmed or after close.
func (s *Session) publishTyping(typing bool) error {
	s.mu.Lock()
	ready := s.opened && !s.closed
	handle := s.presenceHandle
	s.mu.Unlock()
	if !ready {
		return domain.ErrPresenceNotReady
	}

	err := s.presence.Publish(context.Background(), handle, domain.PresenceRecord{
		ParticipantID: s.cfg.LocalID,
		Typing:        typing,
		UpdatedAt:     s.clock.Now(),
	})
	if err != nil {
		return err
	}
	s.observer.TypingPublished(typing)
	return nil
}

func (s *Session) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) emitFailureLocked(f SendFailure) {
	if s.closed {
		return
	}
	select {
	case s.failures <- f:
	default:
		s.logger.Warn("send failure notice dropped, nobody is listening", "temp_id", f.TempID)
	}
}

func (s *Session) unsubscribeQuietly(feedHandle, presenceHandle Handle) {
	if feedHandle != "" {
		if err := s.feed.Unsubscribe(feedHandle); err != nil {
			s.logger.Warn("failed to release change feed subscription", "error", err)
		}
	}
	if presenceHandle != "" {
		if err := s.presence.Unsubscribe(presenceHandle); err != nil {
			s.logger.Warn("failed to release presence subscription", "error", err)
		}
	}
}
