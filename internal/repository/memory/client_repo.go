package memory

import (
	"sync"
	"time"

	"github.com/irdkwmnsb/robolink/internal/domain"
)

type ClientRepository struct {
	clients map[string]domain.Client
	mu      sync.RWMutex
}

func NewClientRepository() *ClientRepository {
	return &ClientRepository{
		clients: make(map[string]domain.Client),
	}
}

func (r *ClientRepository) Save(c domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	return nil
}

func (r *ClientRepository) GetByID(id string) (domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return domain.Client{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *ClientRepository) GetByRole(role domain.Role) ([]domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]domain.Client, 0)
	for _, c := range r.clients {
		if c.Role == role {
			clients = append(clients, c)
		}
	}
	return clients, nil
}

func (r *ClientRepository) GetAll() ([]domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]domain.Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients, nil
}

func (r *ClientRepository) Touch(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.LastSeen = at
	r.clients[id] = c
	return nil
}

func (r *ClientRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return domain.ErrNotFound
	}

	delete(r.clients, id)
	return nil
}

// ListStale returns clients whose last heartbeat is older than timeout.
// Records that were never touched are not considered stale.
func (r *ClientRepository) ListStale(timeout time.Duration) ([]domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := make([]domain.Client, 0)
	for _, c := range r.clients {
		if !c.LastSeen.IsZero() && time.Since(c.LastSeen) > timeout {
			stale = append(stale, c)
		}
	}
	return stale, nil
}
