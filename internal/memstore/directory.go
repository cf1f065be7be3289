package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmsync/internal/domain"
)

// Directory implements conversation.Directory in memory.
type Directory struct {
	mu     sync.RWMutex
	byPair map[string]domain.Conversation
	byID   map[string]domain.Conversation
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		byPair: make(map[string]domain.Conversation),
		byID:   make(map[string]domain.Conversation),
	}
}

// GetOrCreate returns the conversation between a and b, creating it on first use.
func (d *Directory) GetOrCreate(ctx context.Context, a, b string) (domain.Conversation, error) {
	a, b, err := domain.CheckParticipants(a, b)
	if err != nil {
		return domain.Conversation{}, err
	}
	key := domain.PairKey(a, b)

	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.byPair[key]; ok {
		return conv, nil
	}
	conv := domain.Conversation{
		ID:           uuid.NewString(),
		Participants: [2]string{a, b},
		CreatedAt:    time.Now().UTC(),
	}
	d.byPair[key] = conv
	d.byID[conv.ID] = conv
	return conv, nil
}

// ListFor returns the participant's conversations, newest first.
func (d *Directory) ListFor(ctx context.Context, participantID string) ([]domain.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.Conversation
	for _, conv := range d.byID {
		if conv.Has(participantID) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get looks a conversation up by id.
func (d *Directory) Get(ctx context.Context, id string) (domain.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conv, ok := d.byID[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return conv, nil
}
