package router

import (
	"sort"
	"sync"
)

// RoomStat reports the member count of one topic.
type RoomStat struct {
	Room        string `json:"room"`
	Connections int    `json:"connections"`
}

// Router maps topics to member connection IDs. It is safe for concurrent use.
type Router struct {
	mu sync.RWMutex

	// topic → member connection IDs
	topics map[string]map[string]struct{}

	// connection ID → topics it belongs to
	memberships map[string]map[string]struct{}
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		topics:      make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds connID to topic. Returns false if it was already a member.
func (r *Router) Subscribe(connID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		r.topics[topic] = members
	}
	if _, exists := members[connID]; exists {
		return false
	}
	members[connID] = struct{}{}

	joined, ok := r.memberships[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[connID] = joined
	}
	joined[topic] = struct{}{}
	return true
}

// Unsubscribe removes connID from topic. Returns false if it was not a member.
func (r *Router) Unsubscribe(connID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(connID, topic)
}

func (r *Router) unsubscribeLocked(connID, topic string) bool {
	members, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(r.topics, topic)
	}

	if joined, ok := r.memberships[connID]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(r.memberships, connID)
		}
	}
	return true
}

// MembersOf returns the connection IDs subscribed to topic, sorted.
// The result is a copy; it is empty if the topic does not exist.
func (r *Router) MembersOf(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.topics[topic])
}

// TopicsOf returns the topics connID belongs to, sorted.
func (r *Router) TopicsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.memberships[connID])
}

// RemoveConnection drops connID from every topic and returns the topics it left.
func (r *Router) RemoveConnection(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := sortedKeys(r.memberships[connID])
	for _, topic := range left {
		r.unsubscribeLocked(connID, topic)
	}
	return left
}

// Len returns the number of live topics.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Stats returns member counts for every live topic, sorted by name.
func (r *Router) Stats() []RoomStat {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]RoomStat, 0, len(r.topics))
	for topic, members := range r.topics {
		stats = append(stats, RoomStat{Room: topic, Connections: len(members)})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Room < stats[j].Room })
	return stats
}

// Reset drops every topic and membership.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = make(map[string]map[string]struct{})
	r.memberships = make(map[string]map[string]struct{})
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
