// Package statuscache holds the cycle-scoped view of footage and frame
// statuses so that per-frame parent-readiness checks answer in O(1)
// without a store round trip. Entries are value copies of what discovery
// observed; the cache never owns live records and is rebuilt as entries
// expire each cycle.
package statuscache

import (
	"fmt"
	"sync"
	"time"

	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("StatusCache")

type (
	FootageEntry struct {
		ID        string
		RecordKey string
		Status    record.FootageStatus
		RawStatus string
		Fields    map[string]any
		LoadedAt  time.Time
	}

	FrameEntry struct {
		ID        string
		RecordKey string
		ParentID  string
		Status    record.FrameStatus
		RawStatus string
		Caption   string
		LoadedAt  time.Time
	}

	// ParentReadiness is the answer to "may this frame be processed
	// right now, given its parents status".
	ParentReadiness int

	Stats struct {
		Hits          int
		Misses        int
		APICallsSaved int
	}

	// Cache is guarded by one coarse mutex; mutation is infrequent
	// (bulk inserts at discovery, occasional batch updates) and the
	// lifetime is cycle-scoped, so finer locking buys nothing.
	Cache struct {
		mutex sync.Mutex
		ttl   time.Duration
		clock func() time.Time

		footage  map[string]*FootageEntry
		frames   map[string]*FrameEntry
		children map[string]map[string]struct{}

		hits          int
		misses        int
		apiCallsSaved int
	}
)

const (
	// ParentMiss: the parent is absent or stale; the caller should defer
	// and rely on the batch checker backfilling before the next cycle.
	ParentMiss ParentReadiness = iota

	// ParentNotReady: the parent exists but has not yet reached the
	// frame-processing window.
	ParentNotReady

	// ParentReady: frame work may proceed.
	ParentReady

	// ParentTerminalSuccess: the parent is past the point where frame
	// work matters; the frame should be treated as done.
	ParentTerminalSuccess

	// ParentParked: the parent is at Awaiting User Input. A frame still
	// in a processing status under such a parent was left behind by a
	// partially-failed park and must be parked itself, not deferred.
	ParentParked
)

func (r ParentReadiness) String() string {
	switch r {
	case ParentMiss:
		return "MISS"
	case ParentNotReady:
		return "NOT_READY"
	case ParentReady:
		return "READY"
	case ParentTerminalSuccess:
		return "TERMINAL_SUCCESS"
	case ParentParked:
		return "PARKED"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", r)
	}
}

func New(ttl time.Duration) *Cache {
	return NewWithClock(ttl, time.Now)
}

// NewWithClock is New with an injectable time source, used by tests to
// control TTL expiry deterministically.
func NewWithClock(ttl time.Duration, clock func() time.Time) *Cache {
	return &Cache{
		ttl:      ttl,
		clock:    clock,
		footage:  make(map[string]*FootageEntry),
		frames:   make(map[string]*FrameEntry),
		children: make(map[string]map[string]struct{}),
	}
}

// BulkInsertFootage seeds the cache from a discovery pass. Existing
// entries for the same IDs are replaced wholesale.
func (cache *Cache) BulkInsertFootage(footage []*record.Footage) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	now := cache.clock()
	for _, f := range footage {
		cache.footage[f.ID] = &FootageEntry{
			ID:        f.ID,
			RecordKey: f.RecordKey,
			Status:    f.Status,
			RawStatus: f.RawStatus,
			Fields:    f.Extras,
			LoadedAt:  now,
		}
	}
}

// BulkInsertFrames seeds the cache with frames and maintains the
// parent index used by readiness checks.
func (cache *Cache) BulkInsertFrames(frames []*record.Frame) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	now := cache.clock()
	for _, f := range frames {
		cache.frames[f.ID] = &FrameEntry{
			ID:        f.ID,
			RecordKey: f.RecordKey,
			ParentID:  f.ParentID,
			Status:    f.Status,
			RawStatus: f.RawStatus,
			Caption:   f.Caption,
			LoadedAt:  now,
		}

		if f.ParentID != "" {
			if _, ok := cache.children[f.ParentID]; !ok {
				cache.children[f.ParentID] = make(map[string]struct{})
			}
			cache.children[f.ParentID][f.ID] = struct{}{}
		}
	}
}

// BulkUpdateFootageStatuses merges batch-check results back in to the
// cache, refreshing the load time so the entries survive until the next
// TTL horizon.
func (cache *Cache) BulkUpdateFootageStatuses(entries []*FootageEntry) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	now := cache.clock()
	for _, entry := range entries {
		copied := *entry
		copied.LoadedAt = now
		cache.footage[entry.ID] = &copied
	}
}

// GetFootageStatus returns the cached entry for the given footage and
// whether it counts as a hit (present and within TTL). The hit/miss
// counters feed the cycle summary.
func (cache *Cache) GetFootageStatus(id string) (*FootageEntry, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	entry, ok := cache.footage[id]
	if !ok || cache.stale(entry.LoadedAt) {
		cache.misses++
		return nil, false
	}

	cache.hits++
	copied := *entry
	return &copied, true
}

// GetFrame returns the cached frame entry, if fresh.
func (cache *Cache) GetFrame(id string) (*FrameEntry, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	entry, ok := cache.frames[id]
	if !ok || cache.stale(entry.LoadedAt) {
		return nil, false
	}

	copied := *entry
	return &copied, true
}

// IsParentReadyForFrames implements the parent-readiness contract for
// per-frame gating. The reason string is suitable for (deduplicated)
// logging.
func (cache *Cache) IsParentReadyForFrames(parentID string) (ParentReadiness, string) {
	entry, hit := cache.GetFootageStatus(parentID)
	if !hit {
		return ParentMiss, "parent status not cached"
	}

	switch entry.Status {
	case record.FootageApplyingTags, record.FootageComplete:
		return ParentTerminalSuccess, fmt.Sprintf("parent at %s; frame work complete", entry.Status)
	case record.FootageAwaitingUserInput:
		return ParentParked, fmt.Sprintf("parent at %s; frame must follow", entry.Status)
	case record.FootageScrapingURL, record.FootageProcessingFrameInfo, record.FootageGeneratingDescription,
		record.FootageGeneratingEmbeddings, record.FootageForceResume:
		return ParentReady, ""
	default:
		return ParentNotReady, fmt.Sprintf("parent at %s", entry.Status)
	}
}

// ChildrenReadiness reports how many of a footages known child frames
// satisfy the readiness contract. A total of zero means discovery has
// seen no children for this parent (yet).
func (cache *Cache) ChildrenReadiness(parentID string) (ready int, total int) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	for frameID := range cache.children[parentID] {
		entry, ok := cache.frames[frameID]
		if !ok {
			continue
		}

		total++
		if record.FrameReady(entry.RawStatus, entry.Caption) {
			ready++
		}
	}

	return ready, total
}

// ChildRecordKeys returns the record keys of the cached child frames of
// the given parent, keyed by frame ID. Gates that park a whole footage
// family use this to reach the frame records without another find.
func (cache *Cache) ChildRecordKeys(parentID string) map[string]string {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	out := make(map[string]string, len(cache.children[parentID]))
	for frameID := range cache.children[parentID] {
		if entry, ok := cache.frames[frameID]; ok {
			out[frameID] = entry.RecordKey
		}
	}

	return out
}

// UniqueParentsNeedingCheck returns the parent IDs referenced by cached
// frames whose footage entry is absent or stale. The polling engine
// feeds this set to the batch checker once per cycle.
func (cache *Cache) UniqueParentsNeedingCheck() []string {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	needed := make([]string, 0)
	for parentID := range cache.children {
		entry, ok := cache.footage[parentID]
		if !ok || cache.stale(entry.LoadedAt) {
			needed = append(needed, parentID)
		}
	}

	return needed
}

// ClearExpired drops entries older than the TTL. Called at the top of
// each polling cycle so discovery repopulates a fresh view.
func (cache *Cache) ClearExpired() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	for id, entry := range cache.footage {
		if cache.stale(entry.LoadedAt) {
			delete(cache.footage, id)
		}
	}

	for id, entry := range cache.frames {
		if cache.stale(entry.LoadedAt) {
			if _, ok := cache.children[entry.ParentID]; ok {
				delete(cache.children[entry.ParentID], id)
				if len(cache.children[entry.ParentID]) == 0 {
					delete(cache.children, entry.ParentID)
				}
			}
			delete(cache.frames, id)
		}
	}
}

// RecordSavedAPICalls accumulates the observability counter for calls
// avoided by batching parent lookups.
func (cache *Cache) RecordSavedAPICalls(saved int) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.apiCallsSaved += saved
}

// Stats returns a snapshot of the hit/miss counters.
func (cache *Cache) Stats() Stats {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return Stats{Hits: cache.hits, Misses: cache.misses, APICallsSaved: cache.apiCallsSaved}
}

// ResetStats zeroes the counters; the poller does this when it emits a
// cycle summary so the numbers are per-cycle.
func (cache *Cache) ResetStats() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.hits, cache.misses, cache.apiCallsSaved = 0, 0, 0
}

func (cache *Cache) stale(loadedAt time.Time) bool {
	return cache.clock().Sub(loadedAt) > cache.ttl
}
