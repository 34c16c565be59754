package journal

import (
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/loftmedia/autolog/internal/database"
	"github.com/loftmedia/autolog/internal/event"
)

type (
	// CycleRow mirrors the cycles table. Durations are stored as
	// milliseconds to keep the rows trivially queryable.
	CycleRow struct {
		ID            uuid.UUID `db:"id"`
		Index         int       `db:"idx"`
		StartedAt     time.Time `db:"started_at"`
		DurationMs    int64     `db:"duration_ms"`
		FootageTasks  int       `db:"footage_tasks"`
		FrameTasks    int       `db:"frame_tasks"`
		Successes     int       `db:"successes"`
		Failures      int       `db:"failures"`
		StepsExecuted int       `db:"steps_executed"`
		Deferred      int       `db:"deferred"`
		Parked        int       `db:"parked"`
		CacheHits     int       `db:"cache_hits"`
		CacheMisses   int       `db:"cache_misses"`
		APICallsSaved int       `db:"api_calls_saved"`
	}

	Store struct{}
)

func NewStore() *Store { return &Store{} }

func (store *Store) InsertCycle(db database.Queryable, summary event.CycleSummary) error {
	query, args, err := insertCycleBuilder(summary).ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct insert cycle query: %w", err)
	}

	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert cycle %s: %w", summary.CycleID, err)
	}

	return nil
}

func (store *Store) InsertTaskEvents(db database.Queryable, cycleID uuid.UUID, updates []event.TaskUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	builder := squirrel.
		Insert("task_events").
		Columns("cycle_id", "kind", "record_id", "step", "from_status", "to_status", "ok", "err_kind", "err_text", "duration_ms").
		PlaceholderFormat(squirrel.Dollar)

	for _, update := range updates {
		var errKind, errText *string
		if !update.OK {
			errKind, errText = &update.ErrKind, &update.ErrText
		}

		builder = builder.Values(
			cycleID, update.Kind, update.RecordID, update.Step,
			update.FromStatus, update.ToStatus, update.OK,
			errKind, errText, update.Duration.Milliseconds(),
		)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct insert task events query: %w", err)
	}

	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert task events for cycle %s: %w", cycleID, err)
	}

	return nil
}

func (store *Store) InsertParkEvents(db database.Queryable, cycleID uuid.UUID, notices []event.ParkNotice) error {
	if len(notices) == 0 {
		return nil
	}

	builder := squirrel.
		Insert("park_events").
		Columns("cycle_id", "footage_id", "reason", "frames_parked").
		PlaceholderFormat(squirrel.Dollar)
	for _, notice := range notices {
		builder = builder.Values(cycleID, notice.FootageID, notice.Reason, notice.FramesParked)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct insert park events query: %w", err)
	}

	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert park events for cycle %s: %w", cycleID, err)
	}

	return nil
}

// PruneCycles deletes the oldest cycle rows beyond the retention cap;
// their task and park events follow via the FK cascade. Returns the
// number of cycles removed.
func (store *Store) PruneCycles(db database.Queryable, keep int) (int, error) {
	query, args, err := squirrel.
		Select("id").
		From("cycles").
		OrderBy("started_at DESC").
		Offset(uint64(keep)).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to construct stale cycles query: %w", err)
	}

	var stale []uuid.UUID
	if err := db.Select(&stale, query, args...); err != nil {
		return 0, fmt.Errorf("failed to find stale cycles: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := database.InExec(db, "DELETE FROM cycles WHERE id IN (?)", stale); err != nil {
		return 0, fmt.Errorf("failed to prune %d stale cycle(s): %w", len(stale), err)
	}

	return len(stale), nil
}

// RecentCycles returns the most recent cycle rows, newest first. This
// is the only read the journal performs and exists for operators
// poking at history, not for the engine.
func (store *Store) RecentCycles(db database.Queryable, limit int) ([]CycleRow, error) {
	query, args, err := squirrel.
		Select("id", "idx", "started_at", "duration_ms", "footage_tasks", "frame_tasks",
			"successes", "failures", "steps_executed", "deferred", "parked",
			"cache_hits", "cache_misses", "api_calls_saved").
		From("cycles").
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct recent cycles query: %w", err)
	}

	var results []CycleRow
	if err := db.Select(&results, query, args...); err != nil {
		return nil, err
	}

	return results, nil
}

func insertCycleBuilder(summary event.CycleSummary) squirrel.InsertBuilder {
	return squirrel.
		Insert("cycles").
		Columns("id", "idx", "started_at", "duration_ms", "footage_tasks", "frame_tasks",
			"successes", "failures", "steps_executed", "deferred", "parked",
			"cache_hits", "cache_misses", "api_calls_saved").
		Values(summary.CycleID, summary.Index, summary.StartedAt, summary.Duration.Milliseconds(),
			summary.FootageTasks, summary.FrameTasks, summary.Successes, summary.Failures,
			summary.StepsExecuted, summary.Deferred, summary.Parked,
			summary.CacheHits, summary.CacheMisses, summary.APICallsSaved).
		PlaceholderFormat(squirrel.Dollar)
}
