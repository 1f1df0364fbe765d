package connection

import (
	"sort"
	"sync"

	"github.com/rickgao/crm-realtime/internal/model"
)

// registry tracks live connections by ID. It has no knowledge of topics.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*conn)}
}

func (r *registry) add(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// remove deletes id and returns the connection, or nil if absent.
func (r *registry) remove(id string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	return c
}

func (r *registry) get(id string) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// all returns a snapshot of live connections ordered by connection time.
func (r *registry) all() []*conn {
	r.mu.RLock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].id < out[j].id
		}
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

func (r *registry) countByRole() map[model.Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.Role]int)
	for _, c := range r.conns {
		counts[c.identity.Role]++
	}
	return counts
}

// drain removes and returns every connection.
func (r *registry) drain() []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.conns = make(map[string]*conn)
	return out
}
