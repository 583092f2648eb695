package catalog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Value kinds of catalog entries.
const (
	KindAnalog   = "analog"
	KindDiscrete = "discrete"
	KindCounter  = "counter"
	KindEnum     = "enum"
	KindText     = "text"
)

// Key identifies a register catalog entry.
type Key struct {
	EquipType string
	Addr      int
}

// Entry is the per-register policy row. Nil pointer fields fall back to the
// configured history policy defaults.
type Entry struct {
	EquipType      string
	Addr           int
	NameDefault    string
	UnitDefault    string
	ValueKind      string
	Tolerance      *float64
	MinIntervalSec *int
	HeartbeatSec   *int
	StoreHistory   bool
}

// Loader fetches the full catalog from the store.
type Loader interface {
	LoadCatalog(ctx context.Context) (map[Key]Entry, error)
}

// Cache serves per-register policy lookups without a store round trip.
// Reads are lock-cheap map lookups on an immutable snapshot; Reload swaps
// the snapshot and is serialized against concurrent reloads.
type Cache struct {
	loader Loader
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[Key]Entry

	reloadMu sync.Mutex
}

func New(loader Loader, logger *zap.Logger) *Cache {
	return &Cache{
		loader:  loader,
		logger:  logger,
		entries: map[Key]Entry{},
	}
}

// Reload fetches the catalog and replaces the snapshot. The old snapshot
// keeps serving lookups until the swap.
func (c *Cache) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	entries, err := c.loader.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("loading register catalog: %w", err)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.logger.Info("register catalog loaded", zap.Int("entries", len(entries)))
	return nil
}

// Lookup returns the entry for (equipType, addr), or nil for an unknown
// register. The returned entry is a copy and safe to retain.
func (c *Cache) Lookup(equipType string, addr int) *Entry {
	c.mu.RLock()
	e, ok := c.entries[Key{EquipType: equipType, Addr: addr}]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return &e
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
