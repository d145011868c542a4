package server

import (
	"context"
	"sync"
)

// ConnID identifies a connection for the lifetime of a Registry. IDs are never reused.
type ConnID uint64

// Transport is the send side of a client connection.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Close() error
}

// Conn pairs a transport with the ID it was assigned at register time.
type Conn struct {
	ID        ConnID
	Transport Transport
}

// Registry tracks the set of live connections.
// Membership changes and snapshots are serialized, so a snapshot never observes a half-applied register or deregister.
type Registry struct {
	m      sync.Mutex
	nextID ConnID
	// conns is kept in ascending ID order, since IDs are assigned in increasing order and only appended
	conns []Conn
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register stores the transport and returns the ID assigned to it.
func (r *Registry) Register(t Transport) ConnID {
	r.m.Lock()
	defer r.m.Unlock()
	id := r.nextID
	r.nextID++
	r.conns = append(r.conns, Conn{ID: id, Transport: t})
	return id
}

// Deregister removes the connection with the given ID.
// It returns false if there was no such connection, which happens on duplicate close events and is not an error.
func (r *Registry) Deregister(id ConnID) bool {
	r.m.Lock()
	defer r.m.Unlock()
	for i := range r.conns {
		if r.conns[i].ID == id {
			last := len(r.conns) - 1
			copy(r.conns[i:], r.conns[i+1:])
			// drop the reference to the transport left in the backing array
			r.conns[last] = Conn{}
			r.conns = r.conns[:last]
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current membership in ascending ID order.
func (r *Registry) Snapshot() []Conn {
	r.m.Lock()
	defer r.m.Unlock()
	conns := make([]Conn, len(r.conns))
	copy(conns, r.conns)
	return conns
}

func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.conns)
}

// NextID returns the ID that the next Register call will assign.
func (r *Registry) NextID() ConnID {
	r.m.Lock()
	defer r.m.Unlock()
	return r.nextID
}
