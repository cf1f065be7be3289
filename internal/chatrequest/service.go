// Package chatrequest holds the request flow that precedes a conversation:
// one participant asks, the other accepts or rejects. Accepting produces the
// conversation id a session is opened on.
package chatrequest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/domain"
)

// Status is the state of a chat request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Request is a chat request from one participant to another.
type Request struct {
	ID             string    `json:"id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Status         Status    `json:"status"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service keeps chat requests in memory and resolves accepted ones to a
// conversation through the directory.
type Service struct {
	mu       sync.Mutex
	requests map[string]*Request

	directory conversation.Directory
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a request service backed by directory.
func NewService(directory conversation.Directory, opts ...Option) *Service {
	s := &Service{
		requests:  make(map[string]*Request),
		directory: directory,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "chatrequest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a request from one participant to another. If a request
// between the two is already pending, in either direction, that one is
// returned instead.
func (s *Service) Create(ctx context.Context, from, to string) (Request, error) {
	from, to, err := domain.CheckParticipants(from, to)
	if err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.PairKey(from, to)
	for _, r := range s.requests {
		if r.Status == StatusPending && domain.PairKey(r.From, r.To) == key {
			return *r, nil
		}
	}

	now := s.now()
	r := &Request{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.requests[r.ID] = r
	s.logger.Info("Chat request created", "request_id", r.ID, "from", from, "to", to)
	return *r, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, domain.ErrNotFound
	}
	return *r, nil
}

// Accept moves a pending request to accepted on behalf of its recipient and
// returns it with the conversation id set.
func (s *Service) Accept(ctx context.Context, id, userID string) (Request, error) {
	pending, err := s.checkAnswerable(id, userID)
	if err != nil {
		return Request{}, err
	}

	// GetOrCreate is idempotent per pair, so the lock is not held across it.
	conv, err := s.directory.GetOrCreate(ctx, pending.From, pending.To)
	if err != nil {
		return Request{}, fmt.Errorf("create conversation for request %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.requests[id]
	switch r.Status {
	case StatusAccepted:
		return *r, nil
	case StatusRejected:
		return Request{}, domain.ErrInvalidTransition
	}
	r.Status = StatusAccepted
	r.ConversationID = conv.ID
	r.UpdatedAt = s.now()
	s.logger.Info("Chat request accepted", "request_id", id, "conversation_id", conv.ID)
	return *r, nil
}

// Reject moves a pending request to rejected on behalf of its recipient.
func (s *Service) Reject(ctx context.Context, id, userID string) (Request, error) {
	if _, err := s.checkAnswerable(id, userID); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.requests[id]
	if r.Status != StatusPending {
		return Request{}, domain.ErrInvalidTransition
	}
	r.Status = StatusRejected
	r.UpdatedAt = s.now()
	s.logger.Info("Chat request rejected", "request_id", id)
	return *r, nil
}

func (s *Service) checkAnswerable(id, userID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, domain.ErrNotFound
	}
	if r.To != strings.TrimSpace(userID) {
		return Request{}, domain.ErrNotRecipient
	}
	if r.Status != StatusPending {
		return Request{}, domain.ErrInvalidTransition
	}
	return *r, nil
}
