// Package alloc reserves subdomain slugs and host ports for instances.
// All reservations go through a single table lock so two concurrent
// checkouts can never race onto the same slug or port.
package alloc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrSlugTaken     = errors.New("subdomain already taken")
	ErrPoolExhausted = errors.New("no host ports left in configured range")
	ErrInvalidSlug   = errors.New("invalid subdomain")
)

// Allocation is one reserved slug/port pair.
type Allocation struct {
	Slug string
	Port int
}

// Table tracks every slug and port currently held by a non-terminal
// instance. It is seeded from the instance store at startup and mutated
// only through Reserve and Release.
type Table struct {
	mu        sync.Mutex
	portStart int
	portEnd   int
	slugs     map[string]bool
	ports     map[int]bool
}

func NewTable(portStart, portEnd int) *Table {
	return &Table{
		portStart: portStart,
		portEnd:   portEnd,
		slugs:     make(map[string]bool),
		ports:     make(map[int]bool),
	}
}

// Seed records allocations already held by existing instances.
func (t *Table) Seed(allocs []Allocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range allocs {
		t.slugs[a.Slug] = true
		if a.Port > 0 {
			t.ports[a.Port] = true
		}
	}
}

// Reserve normalizes the requested slug and atomically reserves it together
// with the lowest free port. The check and the reservation happen under one
// lock; the caller must Release the allocation when the owning instance
// reaches its terminal state.
func (t *Table) Reserve(requested string) (Allocation, error) {
	slug, err := NormalizeSlug(requested)
	if err != nil {
		return Allocation{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slugs[slug] {
		return Allocation{}, fmt.Errorf("%w: %s", ErrSlugTaken, slug)
	}

	for port := t.portStart; port <= t.portEnd; port++ {
		if !t.ports[port] {
			t.slugs[slug] = true
			t.ports[port] = true
			return Allocation{Slug: slug, Port: port}, nil
		}
	}

	return Allocation{}, ErrPoolExhausted
}

// Release frees a reservation for reuse.
func (t *Table) Release(a Allocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slugs, a.Slug)
	delete(t.ports, a.Port)
}

// Held reports whether the slug is currently reserved.
func (t *Table) Held(slug string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slugs[slug]
}

// NormalizeSlug lowercases the input, strips everything outside
// [a-z0-9-], collapses repeated hyphens and trims leading/trailing ones.
// The result must be 3-63 characters.
func NormalizeSlug(raw string) (string, error) {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == '-' || r == ' ' || r == '_':
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) < 3 || len(slug) > 63 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlug, raw)
	}
	return slug, nil
}
