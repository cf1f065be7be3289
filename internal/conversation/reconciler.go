package conversation

import (
	"github.com/nfrund/dmsync/internal/domain"
)

// Reconciler keeps one conversation's ordered message list consistent across
// optimistic sends, feed inserts and feed updates.
//
// Messages are ordered by CreatedAt ascending. Equal timestamps keep the order
// in which they were observed locally; this is best-effort and not a total
// order across clients.
//
// A Reconciler is not safe for concurrent use; the owning Session serializes
// access.
type Reconciler struct {
	messages []domain.Message
}

// NewReconciler returns an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Messages returns a copy of the ordered list.
func (r *Reconciler) Messages() []domain.Message {
	out := make([]domain.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of live entries.
func (r *Reconciler) Len() int {
	return len(r.messages)
}

// Get returns the entry with the given id.
func (r *Reconciler) Get(id string) (domain.Message, bool) {
	if i := r.indexOf(id); i >= 0 {
		return r.messages[i], true
	}
	return domain.Message{}, false
}

// Merge folds a fetched snapshot into the list. Known ids are updated without
// regressing their status, unknown ids are inserted in order, and entries the
// snapshot does not mention (pending optimistic sends, feed arrivals newer than
// the snapshot) are kept.
func (r *Reconciler) Merge(snapshot []domain.Message) {
	for _, m := range snapshot {
		if i := r.indexOf(m.ID); i >= 0 {
			r.messages[i] = mergeStatus(r.messages[i], m)
			continue
		}
		r.insertOrdered(m)
	}
}

// ApplyInsert adds a feed-delivered message. It returns false when the id is
// already present, in which case the event is a duplicate and is discarded.
func (r *Reconciler) ApplyInsert(m domain.Message) bool {
	if r.indexOf(m.ID) >= 0 {
		return false
	}
	r.insertOrdered(m)
	return true
}

// AddOptimistic appends a locally created message that carries a temporary id.
func (r *Reconciler) AddOptimistic(m domain.Message) {
	r.insertOrdered(m)
}

// Confirm swaps the optimistic entry tempID for its confirmed counterpart.
// When the feed already delivered the confirmed id, that entry is canonical
// and the optimistic one is just dropped.
func (r *Reconciler) Confirm(tempID string, confirmed domain.Message) {
	r.Remove(tempID)
	if i := r.indexOf(confirmed.ID); i >= 0 {
		r.messages[i] = mergeStatus(r.messages[i], confirmed)
		return
	}
	r.insertOrdered(confirmed)
}

// Remove deletes the entry with the given id and reports whether it existed.
func (r *Reconciler) Remove(id string) bool {
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	return true
}

// ApplyUpdate replaces a known entry in place. Updates for ids that are not
// visible yet are dropped and reported with false; a later snapshot or read
// pass reflects the final state.
func (r *Reconciler) ApplyUpdate(m domain.Message) bool {
	i := r.indexOf(m.ID)
	if i < 0 {
		return false
	}
	r.messages[i] = mergeStatus(r.messages[i], m)
	return true
}

// SetStatus moves the listed entries to status, never backwards.
func (r *Reconciler) SetStatus(ids []string, status domain.Status) int {
	changed := 0
	for _, id := range ids {
		i := r.indexOf(id)
		if i < 0 || !r.messages[i].Status.Before(status) {
			continue
		}
		r.messages[i].Status = status
		changed++
	}
	return changed
}

// Unread returns the confirmed ids authored by authorID that are not read yet.
func (r *Reconciler) Unread(authorID string) []string {
	var ids []string
	for _, m := range r.messages {
		if m.AuthorID != authorID || m.IsTemporary() || m.Status == domain.StatusRead {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func (r *Reconciler) indexOf(id string) int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insertOrdered places m after every entry that is not newer than it, so
// arrivals with equal timestamps keep their local arrival order.
func (r *Reconciler) insertOrdered(m domain.Message) {
	pos := len(r.messages)
	for pos > 0 && r.messages[pos-1].CreatedAt.After(m.CreatedAt) {
		pos--
	}
	r.messages = append(r.messages, domain.Message{})
	copy(r.messages[pos+1:], r.messages[pos:])
	r.messages[pos] = m
}

// mergeStatus takes next as the authoritative row but keeps the current
// status when next would move it backwards.
func mergeStatus(current, next domain.Message) domain.Message {
	if next.Status.Before(current.Status) {
		next.Status = current.Status
	}
	return next
}
