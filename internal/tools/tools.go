// Package tools holds the aggregated capability catalog: every tool
// advertised by every Ready server, keyed by name, with the server that
// owns it.
package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/switchboard/internal/mcp"
	"github.com/nugget/switchboard/internal/schema"
)

// Descriptor is one capability as advertised by a server.
type Descriptor struct {
	Name        string
	Description string

	// InputSchema is the schema exactly as advertised. It is what the
	// model sees.
	InputSchema map[string]any

	// Schema is the parsed form used to validate arguments.
	Schema *schema.Schema
}

// NewDescriptor converts a tools/list entry. A schema that cannot be
// parsed is reported as an error alongside a descriptor whose Schema
// accepts any arguments, so the caller may choose to register it anyway.
func NewDescriptor(def mcp.ToolDefinition) (Descriptor, error) {
	d := Descriptor{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: def.InputSchema,
	}
	if d.InputSchema == nil {
		d.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	s, err := schema.Parse(def.InputSchema)
	if err != nil {
		d.Schema = &schema.Schema{}
		return d, fmt.Errorf("tool %q: input schema: %w", def.Name, err)
	}
	d.Schema = s
	return d, nil
}

// Entry is a registered capability and its owning server.
type Entry struct {
	Descriptor
	Server string

	// seq orders entries by most recent registration.
	seq uint64
}

// Collision records a registration that replaced another server's
// capability of the same name.
type Collision struct {
	Name     string
	Previous string
	Server   string
}

// Registry maps capability names to their owning server. When two
// servers advertise the same name the later registration wins; every
// displaced owner is recorded as a Collision, and the first collision
// on each name is logged at WARN. A server re-registering its own
// capability is not a collision.
//
// Registry is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	entries    map[string]*Entry
	seq        uint64
	collisions []Collision
	warned     map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		entries: make(map[string]*Entry),
		warned:  make(map[string]bool),
	}
}

// Register adds d as owned by server, replacing any existing owner.
func (r *Registry) Register(server string, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if prev, ok := r.entries[d.Name]; ok && prev.Server != server {
		c := Collision{Name: d.Name, Previous: prev.Server, Server: server}
		r.collisions = append(r.collisions, c)
		if !r.warned[d.Name] {
			r.warned[d.Name] = true
			r.logger.Warn("tool name collision, later registration wins",
				"tool", d.Name,
				"previous_server", prev.Server,
				"server", server,
			)
		} else {
			r.logger.Debug("tool name collision repeated",
				"tool", d.Name,
				"previous_server", prev.Server,
				"server", server,
			)
		}
	}
	r.entries[d.Name] = &Entry{Descriptor: d, Server: server, seq: r.seq}
}

// Resolve returns the server that owns name.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.Server, true
}

// Lookup returns the full entry for name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns every registered capability exactly once, ordered by
// when each name was most recently registered.
func (r *Registry) Snapshot() []Descriptor {
	entries := r.Entries()
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.Descriptor
	}
	return out
}

// Entries is like Snapshot but includes the owning server.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Collisions returns every collision recorded so far, oldest first.
func (r *Registry) Collisions() []Collision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Collision, len(r.collisions))
	copy(out, r.collisions)
	return out
}

// Len returns the number of distinct registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByServer returns how many capabilities each server owns.
func (r *Registry) CountByServer() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range r.entries {
		out[e.Server]++
	}
	return out
}
