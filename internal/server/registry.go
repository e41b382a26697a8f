// Package server tracks the set of currently reachable peers in a Registry.
package server

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the set of active connections, keyed by connection identity.
// Register, Unregister and the snapshot reads are mutually exclusive; a
// snapshot is a copy, so fan-out never iterates the live map.
type Registry struct {
	peers map[uuid.UUID]Peer
	mutex sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[uuid.UUID]Peer),
	}
}

// Register adds peer to the set. It reports false, and changes nothing, if a
// peer with the same identity is already present.
func (r *Registry) Register(peer Peer) bool {
	if peer == nil {
		return false
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.peers[peer.ID()]; exists {
		return false
	}
	r.peers[peer.ID()] = peer
	return true
}

// Unregister removes peer from the set. It reports false if peer was absent.
func (r *Registry) Unregister(peer Peer) bool {
	if peer == nil {
		return false
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.peers[peer.ID()]; !exists {
		return false
	}
	delete(r.peers, peer.ID())
	return true
}

// Others returns a point-in-time copy of every registered peer except
// excluded. Later registry mutations are not reflected in the result.
func (r *Registry) Others(excluded Peer) []Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var skip uuid.UUID
	if excluded != nil {
		skip = excluded.ID()
	}

	others := make([]Peer, 0, len(r.peers))
	for id, peer := range r.peers {
		if excluded != nil && id == skip {
			continue
		}
		others = append(others, peer)
	}
	return others
}

// Snapshot returns a point-in-time copy of every registered peer.
func (r *Registry) Snapshot() []Peer {
	return r.Others(nil)
}

// Contains reports whether a peer with the given identity is registered.
func (r *Registry) Contains(id uuid.UUID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, exists := r.peers[id]
	return exists
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.peers)
}
