package collection

import (
	"sync"
	"time"
)

// Kind identifies an entity kind
type Kind int

const (
	KindTrack Kind = iota
	KindArtist
	KindAlbum
	KindGenre
	KindComposer
	KindYear
	KindLabel
)

var kindNames = [...]string{"track", "artist", "album", "genre", "composer", "year", "label"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Entity is implemented by every registry-owned instance
type Entity interface {
	Kind() Kind
	ID() int64
	Name() string
}

// grouping is an entity that caches the list of its tracks
type grouping interface {
	Entity
	invalidateCache()
}

// Observer receives change notifications. Calls are made after a flush has
// completed and never while a registry lock is held.
type Observer interface {
	EntityUpdated(e Entity)
	TrackRemoved(t *Track)
	CollectionChanged()
}

// FlushStats summarises one write-back of the dirty set
type FlushStats struct {
	Tracks    int
	Groupings int
	Inserted  map[string]int // table -> rows
	Updated   map[string]int
	Duration  time.Duration
}

// FlushObserver is implemented by observers that also want flush summaries
type FlushObserver interface {
	Flushed(stats FlushStats)
}

// observers is a copy-on-notify list of subscribers
type observers struct {
	mu   sync.Mutex
	list []Observer
}

// add registers o and returns a function removing it again
func (o *observers) add(obs Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, existing := range o.list {
			if existing == obs {
				o.list = append(o.list[:i:i], o.list[i+1:]...)
				return
			}
		}
	}
}

func (o *observers) snapshot() []Observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Observer(nil), o.list...)
}

func (o *observers) entityUpdated(e Entity) {
	for _, obs := range o.snapshot() {
		obs.EntityUpdated(e)
	}
}

func (o *observers) trackRemoved(t *Track) {
	for _, obs := range o.snapshot() {
		obs.TrackRemoved(t)
	}
}

func (o *observers) collectionChanged() {
	for _, obs := range o.snapshot() {
		obs.CollectionChanged()
	}
}

func (o *observers) flushed(stats FlushStats) {
	for _, obs := range o.snapshot() {
		if fo, ok := obs.(FlushObserver); ok {
			fo.Flushed(stats)
		}
	}
}
