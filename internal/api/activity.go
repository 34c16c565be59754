package api

import (
	"context"

	"github.com/loftmedia/autolog/internal/api/websocket"
	"github.com/loftmedia/autolog/internal/event"
)

// activityBufferSize keeps the event bus from blocking on a slow socket
// consumer. If the buffer fills, Dispatch callers will block until the
// pump catches up.
const activityBufferSize = 128

// broadcaster bridges the controller's event bus to the websocket hub,
// translating typed event payloads in to socket messages.
type broadcaster struct {
	socket     *websocket.SocketHub
	activityCh event.HandlerChannel
}

func newBroadcaster(socket *websocket.SocketHub, events event.EventHandler) *broadcaster {
	broadcaster := &broadcaster{
		socket:     socket,
		activityCh: make(event.HandlerChannel, activityBufferSize),
	}

	events.RegisterHandlerChannel(broadcaster.activityCh,
		event.TASK_UPDATE,
		event.TASK_PARKED,
		event.CYCLE_COMPLETE,
		event.ENGINE_QUIESCENT,
	)

	return broadcaster
}

// pump forwards bus events to connected socket clients until the
// context is cancelled.
func (broadcaster *broadcaster) pump(ctx context.Context) {
	for {
		select {
		case ev := <-broadcaster.activityCh:
			body, ok := payloadToDto(ev)
			if !ok {
				log.Warnf("Activity stream received event %s with unexpected payload, dropping\n", ev.Event)
				continue
			}

			broadcaster.socket.Send(&websocket.SocketMessage{
				Title: string(ev.Event),
				Body:  body,
				Type:  websocket.Update,
			})
		case <-ctx.Done():
			return
		}
	}
}

// payloadToDto maps a bus event to the JSON-friendly body pushed over
// the socket.
func payloadToDto(ev event.HandlerEvent) (map[string]any, bool) {
	switch payload := ev.Payload.(type) {
	case event.TaskUpdate:
		body := map[string]any{
			"cycle_id":    payload.CycleID,
			"kind":        payload.Kind,
			"record_id":   payload.RecordID,
			"step":        payload.Step,
			"from_status": payload.FromStatus,
			"to_status":   payload.ToStatus,
			"ok":          payload.OK,
			"duration_ms": payload.Duration.Milliseconds(),
		}
		if !payload.OK {
			body["err_kind"] = payload.ErrKind
			body["err_text"] = payload.ErrText
		}

		return body, true
	case event.ParkNotice:
		return map[string]any{
			"cycle_id":      payload.CycleID,
			"footage_id":    payload.FootageID,
			"reason":        payload.Reason,
			"frames_parked": payload.FramesParked,
		}, true
	case event.CycleSummary:
		return summaryToDto(payload), true
	case event.QuiescenceNotice:
		return map[string]any{
			"cycle_id": payload.CycleID,
			"cycles":   payload.Cycles,
		}, true
	}

	return nil, false
}

func summaryToDto(summary event.CycleSummary) map[string]any {
	return map[string]any{
		"cycle_id":        summary.CycleID,
		"index":           summary.Index,
		"started_at":      summary.StartedAt,
		"duration_ms":     summary.Duration.Milliseconds(),
		"footage_tasks":   summary.FootageTasks,
		"frame_tasks":     summary.FrameTasks,
		"successes":       summary.Successes,
		"failures":        summary.Failures,
		"steps_executed":  summary.StepsExecuted,
		"deferred":        summary.Deferred,
		"parked":          summary.Parked,
		"cache_hits":      summary.CacheHits,
		"cache_misses":    summary.CacheMisses,
		"api_calls_saved": summary.APICallsSaved,
	}
}
