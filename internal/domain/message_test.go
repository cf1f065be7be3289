package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusOrdering(t *testing.T) {
	assert.True(t, StatusSending.Before(StatusDelivered))
	assert.True(t, StatusDelivered.Before(StatusRead))
	assert.False(t, StatusRead.Before(StatusDelivered))
	assert.False(t, StatusRead.Before(StatusRead))
	assert.True(t, Status("").Before(StatusSending))
}

func TestTemporaryIDs(t *testing.T) {
	id := NewTemporaryID()
	assert.True(t, IsTemporaryID(id))
	assert.NotEqual(t, id, NewTemporaryID())
	assert.False(t, IsTemporaryID("message:abc"))
	assert.True(t, Message{ID: id}.IsTemporary())
}

func TestMessageValidate(t *testing.T) {
	m := Message{ID: "m1", ConversationID: "c1", AuthorID: "alice", Content: "hi", CreatedAt: time.Now()}
	assert.NoError(t, m.Validate())

	m.Content = ""
	assert.Error(t, m.Validate())
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.NotEqual(t, PairKey("alice", "bob"), PairKey("alice", "carol"))
}

func TestConversationHas(t *testing.T) {
	c := Conversation{ID: "c1", Participants: [2]string{"alice", "bob"}}
	assert.True(t, c.Has("bob"))
	assert.False(t, c.Has("carol"))
}

func TestCheckParticipants(t *testing.T) {
	a, b, err := CheckParticipants(" alice ", "bob")
	assert.NoError(t, err)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	_, _, err = CheckParticipants("alice", " alice")
	assert.ErrorIs(t, err, ErrSameParticipant)

	_, _, err = CheckParticipants("", "bob")
	assert.ErrorIs(t, err, ErrInvalidParticipant)
	_, _, err = CheckParticipants("alice", "   ")
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestConversation_Peer(t *testing.T) {
	conv := Conversation{Participants: [2]string{"alice", "bob"}}
	assert.Equal(t, "bob", conv.Peer("alice"))
	assert.Equal(t, "alice", conv.Peer("bob"))
	assert.Empty(t, conv.Peer("carol"))
}
