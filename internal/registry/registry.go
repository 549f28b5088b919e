// Package registry tracks which client IDs currently have a live
// connection, so a second Dial for the same ID can be rejected instead of
// silently running two independent sessions against the same identity.
package registry

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrAlreadyRegistered is returned by Register when client_id already has a
// live entry.
var ErrAlreadyRegistered = fmt.Errorf("registry: client_id already registered")

// Registry is a concurrency-safe client_id -> handle map. The handle is
// opaque to the registry; callers typically store a *Client or a shutdown
// func.
type Registry struct {
	entries sync.Map // string -> any
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register associates clientID with handle. It fails if clientID is already
// registered, enforcing that only one live connection per client_id exists
// in this process at a time.
func (r *Registry) Register(clientID string, handle any) error {
	if clientID == "" {
		return nil // anonymous/clean-session clients are not deduplicated
	}

	if _, loaded := r.entries.LoadOrStore(clientID, handle); loaded {
		log.WithField("client_id", clientID).Warn("registry: rejected duplicate client_id")
		return ErrAlreadyRegistered
	}

	log.WithField("client_id", clientID).Debug("registry: registered")
	return nil
}

// Deregister removes clientID's entry, if any. Safe to call on IDs that were
// never registered (e.g. empty client_id).
func (r *Registry) Deregister(clientID string) {
	if clientID == "" {
		return
	}
	r.entries.Delete(clientID)
	log.WithField("client_id", clientID).Debug("registry: deregistered")
}

// Lookup returns the handle registered for clientID, if any.
func (r *Registry) Lookup(clientID string) (any, bool) {
	return r.entries.Load(clientID)
}

// Len reports the number of currently registered client IDs.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
