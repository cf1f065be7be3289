package websocket

import (
	"sync"
)

// ClientManager tracks the live clients of a bridge.
type ClientManager struct {
	clients        map[string]*Client
	byConversation map[string]map[string]bool // conversationID -> set of clientIDs
	mu             sync.RWMutex
}

// NewClientManager creates a new ClientManager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients:        make(map[string]*Client),
		byConversation: make(map[string]map[string]bool),
	}
}

// Add registers a client.
func (m *ClientManager) Add(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[client.ID] = client
	if _, ok := m.byConversation[client.ConversationID]; !ok {
		m.byConversation[client.ConversationID] = make(map[string]bool)
	}
	m.byConversation[client.ConversationID][client.ID] = true
}

// Remove unregisters a client. Unknown ids are ignored.
func (m *ClientManager) Remove(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return
	}
	delete(m.clients, clientID)
	if set := m.byConversation[client.ConversationID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.byConversation, client.ConversationID)
		}
	}
}

// GetByConversation returns the clients attached to a conversation.
func (m *ClientManager) GetByConversation(conversationID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Client
	for id := range m.byConversation[conversationID] {
		if client, ok := m.clients[id]; ok {
			out = append(out, client)
		}
	}
	return out
}

// GetAll returns all connected clients.
func (m *ClientManager) GetAll() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		all = append(all, client)
	}
	return all
}

// Count returns the number of connected clients.
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
