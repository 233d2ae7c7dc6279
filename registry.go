package tcpengine

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
)

type registryEntry struct {
	local  netip.AddrPort
	remote netip.AddrPort
	conn   *Conn
}

func registryLess(a, b registryEntry) bool {
	if c := a.local.Compare(b.local); c != 0 {
		return c < 0
	}
	return a.remote.Compare(b.remote) < 0
}

// Registry maps address pairs to connections. Listeners are stored with a
// zero remote address. Registry.mu is a leaf lock.
type Registry struct {
	mu    sync.RWMutex
	index *btree.BTreeG[registryEntry]
}

func newRegistry() *Registry {
	return &Registry{
		index: btree.NewG(16, registryLess),
	}
}

// insert registers c under its address pair.
func (r *Registry) insert(c *Conn) error {
	key := registryEntry{local: c.local, remote: c.remote, conn: c}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.index.Get(key); ok && existing.conn != c {
		return fmt.Errorf("%s: %w", c, ErrAddressInUse)
	}
	r.index.ReplaceOrInsert(key)
	return nil
}

// remove unregisters c. An entry that now belongs to another connection
// with the same address pair is left alone.
func (r *Registry) remove(c *Conn) {
	key := registryEntry{local: c.local, remote: c.remote}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.index.Get(key)
	if !ok || existing.conn != c {
		return
	}
	r.index.Delete(key)
	log.Debug().Str("conn", c.String()).Int("remaining", r.index.Len()).Msg("unregistered connection")
}

// lookup finds the connection for a segment arriving at local from remote:
// the exact pair first, then a listener on local, then a listener on the
// unspecified address with local's port.
func (r *Registry) lookup(local, remote netip.AddrPort) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.index.Get(registryEntry{local: local, remote: remote}); ok {
		return e.conn
	}
	if e, ok := r.index.Get(registryEntry{local: local}); ok {
		return e.conn
	}
	wildcard := netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	if e, ok := r.index.Get(registryEntry{local: wildcard}); ok {
		return e.conn
	}
	return nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Len()
}

// Connections returns every registered connection ordered by address pair.
func (r *Registry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, r.index.Len())
	r.index.Ascend(func(e registryEntry) bool {
		conns = append(conns, e.conn)
		return true
	})
	return conns
}
