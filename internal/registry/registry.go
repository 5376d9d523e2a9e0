// Package registry tracks active sessions and fans messages out to them.
package registry

import (
	"errors"
	"sync"

	"github.com/chronologos/huddle/internal/protocol"
)

var ErrAlreadyRegistered = errors.New("member already registered")

// Member is one deliverable peer. Deliver hands over an already-encoded
// frame; it should queue rather than write, since Broadcast calls it while
// holding the fan-out lock. Any error marks the member for pruning.
type Member interface {
	Deliver(frame []byte) error
	Close() error
}

// Result summarizes one Broadcast.
type Result struct {
	Delivered int
	Pruned    []string // usernames removed because delivery failed
}

// Registry is the set of active members. The zero value is not usable;
// call New.
//
// All membership changes go through mu. Broadcast holds mu only to take a
// snapshot and to prune, never while handing frames to members. fanout
// serializes broadcasts, so every member sees them in the order the
// Broadcast calls took the lock.
type Registry struct {
	fanout  sync.Mutex
	mu      sync.Mutex
	members map[Member]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{members: make(map[Member]string)}
}

// Register adds m under username.
func (r *Registry) Register(m Member, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m]; ok {
		return ErrAlreadyRegistered
	}
	r.members[m] = username
	return nil
}

// Deregister removes m and returns its username. ok is false when m was
// not a member, which makes repeated calls harmless.
func (r *Registry) Deregister(m Member) (username string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok = r.members[m]
	if ok {
		delete(r.members, m)
	}
	return username, ok
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Usernames returns the usernames of all members in unspecified order.
// A user connected twice appears twice.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.members))
	for _, u := range r.members {
		names = append(names, u)
	}
	return names
}

// Drain removes every member and returns them. Used at shutdown.
func (r *Registry) Drain() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Member, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	clear(r.members)
	return out
}

// Broadcast encodes (tag, payload) once and hands it to every member
// except exclude (which may be nil). Delivery is best-effort: a failing
// member does not stop delivery to the others. Failed members are removed
// and closed after the pass.
func (r *Registry) Broadcast(tag string, payload []byte, exclude Member) (Result, error) {
	frame, err := protocol.Encode(tag, payload)
	if err != nil {
		return Result{}, err
	}

	var (
		res  Result
		dead []Member
	)
	r.fanout.Lock()
	for _, m := range r.snapshot(exclude) {
		if err := m.Deliver(frame); err != nil {
			dead = append(dead, m)
			continue
		}
		res.Delivered++
	}
	r.fanout.Unlock()

	res.Pruned = r.prune(dead)
	return res, nil
}

func (r *Registry) snapshot(exclude Member) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Member, 0, len(r.members))
	for m := range r.members {
		if m == exclude {
			continue
		}
		out = append(out, m)
	}
	return out
}

// prune removes dead members that are still registered and closes them.
// A member that deregistered itself during the fan-out is left alone.
func (r *Registry) prune(dead []Member) []string {
	if len(dead) == 0 {
		return nil
	}

	var (
		names   []string
		removed []Member
	)
	r.mu.Lock()
	for _, m := range dead {
		if u, ok := r.members[m]; ok {
			delete(r.members, m)
			names = append(names, u)
			removed = append(removed, m)
		}
	}
	r.mu.Unlock()

	for _, m := range removed {
		_ = m.Close()
	}
	return names
}
