package statuscache

import (
	"context"
	"sort"

	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/internal/store"
)

// orFindBuffer is added to the batch result limit so a duplicate or
// near-simultaneous insert on the store side cannot truncate the result.
const orFindBuffer = 10

type (
	orFinder interface {
		FindByOr(ctx context.Context, layout string, field string, values []string, limit int) ([]store.Record, error)
	}

	// BatchChecker collapses N parent-status lookups in to one OR-query
	// against the store. Results are merged straight back in to the
	// cache; callers that observed a miss simply retry next cycle.
	BatchChecker struct {
		finder  orFinder
		cache   *Cache
		layout  string
		idField string
	}
)

func NewBatchChecker(finder orFinder, cache *Cache, layout string) *BatchChecker {
	return &BatchChecker{finder: finder, cache: cache, layout: layout, idField: record.FieldFootageID}
}

// BatchCheck resolves the statuses of all the given footage IDs with a
// single find. IDs the store does not return are logged and omitted from
// the result; a missing parent is an orphan situation, not an error.
func (checker *BatchChecker) BatchCheck(ctx context.Context, ids []string) (map[string]*FootageEntry, error) {
	if len(ids) == 0 {
		return map[string]*FootageEntry{}, nil
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	records, err := checker.finder.FindByOr(ctx, checker.layout, checker.idField, sorted, len(sorted)+orFindBuffer)
	if err != nil {
		return nil, err
	}

	found := make(map[string]*FootageEntry, len(records))
	entries := make([]*FootageEntry, 0, len(records))
	for _, rec := range records {
		footage, err := record.DecodeFootage(rec.RecordKey, rec.FieldData)
		if err != nil {
			log.Warnf("Batch check could not decode record %s: %v\n", rec.RecordKey, err)
			continue
		}

		entry := &FootageEntry{
			ID:        footage.ID,
			RecordKey: footage.RecordKey,
			Status:    footage.Status,
			RawStatus: footage.RawStatus,
			Fields:    footage.Extras,
		}
		found[footage.ID] = entry
		entries = append(entries, entry)
	}

	checker.cache.BulkUpdateFootageStatuses(entries)

	for _, id := range sorted {
		if _, ok := found[id]; !ok {
			log.Debugf("Batch check found no footage record for parent %s (orphaned frames?)\n", id)
		}
	}

	if saved := len(sorted) - 1; saved > 0 {
		checker.cache.RecordSavedAPICalls(saved)
	}

	return found, nil
}
