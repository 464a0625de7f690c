package services

import (
	"context"
	"sync"
)

// MemoryRepository keeps the last active session of each user in memory. It forgets everything when the
// process exits.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]string)}
}

// LastSession returns the last active session of userID, or an empty string.
func (m *MemoryRepository) LastSession(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID], nil
}

// SetLastSession records sessionID as the last active session of userID.
func (m *MemoryRepository) SetLastSession(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = sessionID
	return nil
}

// ClearLastSession forgets the last active session of userID.
func (m *MemoryRepository) ClearLastSession(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}
