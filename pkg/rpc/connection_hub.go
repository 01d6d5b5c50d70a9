package rpc

import (
	"fmt"
	"sync"
)

// ConnectionHub tracks the open connections of a node.
type ConnectionHub struct {
	connections map[string]Connection
	perUser     map[string]int
	mu          sync.RWMutex
}

func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{
		connections: make(map[string]Connection),
		perUser:     make(map[string]int),
	}
}

// Add registers conn. Connection ids must be unique.
func (hub *ConnectionHub) Add(conn Connection) error {
	if conn == nil {
		return fmt.Errorf("connection cannot be nil")
	}

	connID := conn.ConnectionID()

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[connID]; exists {
		return fmt.Errorf("connection with ID %s already exists", connID)
	}

	hub.connections[connID] = conn
	if userID := conn.UserID(); userID != "" {
		hub.perUser[userID]++
	}
	return nil
}

// Get returns the connection with connID, or nil.
func (hub *ConnectionHub) Get(connID string) Connection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return hub.connections[connID]
}

// Remove forgets connID. Unknown ids are ignored.
func (hub *ConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return
	}
	delete(hub.connections, connID)

	userID := conn.UserID()
	if userID == "" {
		return
	}
	if hub.perUser[userID] <= 1 {
		delete(hub.perUser, userID)
		return
	}
	hub.perUser[userID]--
}

// Count returns the number of connections.
func (hub *ConnectionHub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return len(hub.connections)
}

// UserCount returns the number of connections authenticated as userID.
func (hub *ConnectionHub) UserCount(userID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return hub.perUser[userID]
}
