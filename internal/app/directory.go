package app

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/metrics"
)

type broadcasterRecord struct {
	entry domain.BroadcasterEntry
	room  domain.RoomID
}

type viewerRecord struct {
	entry domain.ViewerEntry
	room  domain.RoomID
}

// Directory holds the two role lookup tables derived from the
// registry: discoverable broadcasters and addressable viewers. Entries
// exist only while the underlying connection is live; the broker
// removes them on disconnect.
type Directory struct {
	mu           sync.RWMutex
	broadcasters map[domain.ConnID]*broadcasterRecord
	viewers      map[domain.ConnID]*viewerRecord
	now          core.Clock
}

func NewDirectory(now core.Clock) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		broadcasters: make(map[domain.ConnID]*broadcasterRecord),
		viewers:      make(map[domain.ConnID]*viewerRecord),
		now:          now,
	}
}

func (d *Directory) AddBroadcaster(id domain.ConnID, name string, room domain.RoomID) domain.BroadcasterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := domain.BroadcasterEntry{
		ID:           id,
		Name:         name,
		RegisteredAt: d.now(),
		Available:    true,
	}
	d.broadcasters[id] = &broadcasterRecord{entry: entry, room: room}
	metrics.Broadcasters.Inc()
	log.Info().Str("module", "app.directory").Str("conn_id", string(id)).Str("name", name).Str("room", string(room)).Msg("broadcaster listed")
	return entry
}

func (d *Directory) AddViewer(id domain.ConnID, name string, room domain.RoomID) domain.ViewerEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := domain.ViewerEntry{
		ID:           id,
		Name:         name,
		RegisteredAt: d.now(),
	}
	d.viewers[id] = &viewerRecord{entry: entry, room: room}
	return entry
}

// Remove drops any directory entry for the connection. Reports whether
// a broadcaster entry was removed so callers can push a refreshed list.
func (d *Directory) Remove(id domain.ConnID) (wasBroadcaster bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.broadcasters[id]; ok {
		delete(d.broadcasters, id)
		metrics.Broadcasters.Dec()
		return true
	}
	delete(d.viewers, id)
	return false
}

// ListBroadcasters snapshots the room's broadcasters ordered by
// registration time ascending (ties broken by id for determinism).
func (d *Directory) ListBroadcasters(room domain.RoomID) []domain.BroadcasterEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.BroadcasterEntry, 0, len(d.broadcasters))
	for _, rec := range d.broadcasters {
		if rec.room == room {
			out = append(out, rec.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (d *Directory) Broadcaster(id domain.ConnID) (domain.BroadcasterEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if rec, ok := d.broadcasters[id]; ok {
		return rec.entry, true
	}
	return domain.BroadcasterEntry{}, false
}

func (d *Directory) IsViewer(id domain.ConnID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.viewers[id]
	return ok
}

// SetAvailability flags a broadcaster as busy or free. The entry stays
// listed either way; discovery shows the busy indicator.
func (d *Directory) SetAvailability(id domain.ConnID, available bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.broadcasters[id]
	if !ok {
		return false
	}
	rec.entry.Available = available
	log.Info().Str("module", "app.directory").Str("conn_id", string(id)).Bool("available", available).Msg("availability changed")
	return true
}
