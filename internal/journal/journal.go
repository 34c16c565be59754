// Package journal persists an operational history of the engine's
// polling cycles to Postgres. It is strictly write-behind: the journal
// listens to the event bus, buffers per-cycle activity in memory, and
// flushes one transaction per completed cycle. A journal failure is
// logged and dropped - it must never stall the engine.
package journal

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/loftmedia/autolog/internal/event"
	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("Journal")

const (
	journalBufferSize = 256

	// retainedCycles bounds the cycles table; older rows (and their
	// task/park events, via the FK cascade) are pruned on each flush.
	retainedCycles = 1000
)

type (
	txWrapper interface {
		WrapTx(func(*sqlx.Tx) error) error
	}

	Journal struct {
		db      txWrapper
		store   *Store
		eventCh event.HandlerChannel

		// pending activity for the in-flight cycle; flushed and reset
		// when its CycleSummary arrives.
		pendingTasks []event.TaskUpdate
		pendingParks []event.ParkNotice
	}
)

func New(db txWrapper, events event.EventHandler) *Journal {
	journal := &Journal{
		db:      db,
		store:   NewStore(),
		eventCh: make(event.HandlerChannel, journalBufferSize),
	}

	events.RegisterHandlerChannel(journal.eventCh,
		event.TASK_UPDATE,
		event.TASK_PARKED,
		event.CYCLE_COMPLETE,
	)

	return journal
}

// Run consumes bus events until the context is cancelled, flushing a
// transaction per completed cycle.
func (journal *Journal) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-journal.eventCh:
			journal.consume(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (journal *Journal) consume(ev event.HandlerEvent) {
	switch payload := ev.Payload.(type) {
	case event.TaskUpdate:
		journal.pendingTasks = append(journal.pendingTasks, payload)
	case event.ParkNotice:
		journal.pendingParks = append(journal.pendingParks, payload)
	case event.CycleSummary:
		journal.flush(payload)
	default:
		log.Warnf("Journal received event %s with unexpected payload, dropping\n", ev.Event)
	}
}

func (journal *Journal) flush(summary event.CycleSummary) {
	tasks, parks := journal.pendingTasks, journal.pendingParks
	journal.pendingTasks, journal.pendingParks = nil, nil

	var pruned int
	err := journal.db.WrapTx(func(tx *sqlx.Tx) error {
		if err := journal.store.InsertCycle(tx, summary); err != nil {
			return err
		}
		if err := journal.store.InsertTaskEvents(tx, summary.CycleID, tasks); err != nil {
			return err
		}
		if err := journal.store.InsertParkEvents(tx, summary.CycleID, parks); err != nil {
			return err
		}

		var err error
		pruned, err = journal.store.PruneCycles(tx, retainedCycles)
		return err
	})
	if err != nil {
		log.Errorf("Failed to journal cycle %s (%d task events dropped): %s\n", summary.CycleID, len(tasks), err.Error())
		return
	}

	log.Debugf("Journalled cycle %s (%d task events, %d parks, %d stale cycle(s) pruned)\n", summary.CycleID, len(tasks), len(parks), pruned)
}
