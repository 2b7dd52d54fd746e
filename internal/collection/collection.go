// Package collection owns the in-memory entities of a music collection and
// keeps them in sync with the collection database.
package collection

import (
	"context"
	"fmt"

	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

// Collection is an opened collection database with its registry
type Collection struct {
	store *store.Store
	reg   *Registry
}

// Open brings the schema of s up to date, drops grouping rows nothing refers
// to and starts the registry. A database written by a newer schema version
// is refused with util.ErrSchemaTooNew.
func Open(ctx context.Context, s *store.Store, opts Options) (*Collection, error) {
	u := store.NewUpdater(s)
	changed, err := u.Update(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to update schema: %w", err)
	}
	if changed {
		util.InfoLog("Collection schema updated to version %d", u.ExpectedVersion())
	}

	for _, kind := range store.GroupingKinds {
		n, err := u.DeleteAllRedundant(ctx, kind)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			util.DebugLog("Deleted %d redundant %s rows", n, kind)
		}
	}

	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Collection{store: s, reg: NewRegistry(s, opts)}, nil
}

// Registry returns the entity registry
func (c *Collection) Registry() *Registry { return c.reg }

// Store returns the storage gateway
func (c *Collection) Store() *store.Store { return c.store }

// QueryMaker returns a new query over the collection
func (c *Collection) QueryMaker() *QueryMaker { return c.reg.QueryMaker() }

// UIDURL turns a content hash into a track uid of this collection
func (c *Collection) UIDURL(hash string) string { return c.reg.UIDURL(hash) }

// Subscribe registers an observer and returns a function removing it
func (c *Collection) Subscribe(o Observer) func() { return c.reg.Subscribe(o) }

// SetScanning marks a directory scan as running or finished
func (c *Collection) SetScanning(scanning bool) { c.reg.SetScanning(scanning) }

// Close stops the registry and writes pending changes. The store stays open.
func (c *Collection) Close(ctx context.Context) error {
	return c.reg.Close(ctx)
}
