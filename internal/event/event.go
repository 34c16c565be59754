// A collection of event names and common methods used to handle the
// events, typically redirecting the handling to another, silo'd part of
// the controller (the activity gateway, the cycle journal) via the
// `Handler` interface.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	// TaskUpdate is emitted whenever a task executes a step, whether it
	// succeeded or not. FromStatus/ToStatus are wire status strings.
	TaskUpdate struct {
		CycleID    uuid.UUID
		Kind       string
		RecordID   string
		Step       string
		FromStatus string
		ToStatus   string
		OK         bool
		ErrKind    string
		ErrText    string
		Duration   time.Duration
	}

	// ParkNotice is emitted when a footage record and its frames are
	// moved to Awaiting User Input by a gate.
	ParkNotice struct {
		CycleID      uuid.UUID
		FootageID    string
		Reason       string
		FramesParked int
	}

	// CycleSummary is emitted once per completed polling cycle.
	CycleSummary struct {
		CycleID       uuid.UUID
		Index         int
		StartedAt     time.Time
		Duration      time.Duration
		FootageTasks  int
		FrameTasks    int
		Successes     int
		Failures      int
		StepsExecuted int
		Deferred      int
		Parked        int
		CacheHits     int
		CacheMisses   int
		APICallsSaved int
	}

	// QuiescenceNotice is emitted when the engine observes no
	// non-terminal records and exits its loop.
	QuiescenceNotice struct {
		CycleID uuid.UUID
		Cycles  int
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	TASK_UPDATE Event = "task:update"
	TASK_PARKED Event = "task:parked"

	CYCLE_COMPLETE Event = "cycle:complete"

	ENGINE_QUIESCENT Event = "engine:quiescent"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. It is recomended to buffer the handler channels
// appropiately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be stored
// and called with the payload for the event whenever it is dispatched.
// The handle provided should be guaranteed to return quickly, else other threads calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be stored and
// called inside of a goroutine when the event is handled.
// The speed at which this handle runs is not important to the event bus, unlike RegisterHandlerFunction.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

// registerHandlerMethod is the internal implementation for both RegisterHandlerFunction and
// RegisterAsyncHandlerFunction.
func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and delivers the payload to every handler
// registered for the event type provided.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v", event, err)
		return
	}

	if handles, ok := handler.fnHandlers[event]; ok {
		for _, handle := range handles {
			if handle.async {
				go handle.handle(event, payload)
			} else {
				handle.handle(event, payload)
			}
		}
	}

	if handles, ok := handler.chanHandlers[event]; ok {
		payload := HandlerEvent{event, payload}
		for _, handle := range handles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event specified. An error
// will be returned if the payload is not valid, and the event should not be sent to the registered
// handlers in this case.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case TASK_UPDATE:
		if _, ok := payload.(TaskUpdate); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected TaskUpdate payload", payloadTypeName, event)
		}
	case TASK_PARKED:
		if _, ok := payload.(ParkNotice); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected ParkNotice payload", payloadTypeName, event)
		}
	case CYCLE_COMPLETE:
		if _, ok := payload.(CycleSummary); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected CycleSummary payload", payloadTypeName, event)
		}
	case ENGINE_QUIESCENT:
		if _, ok := payload.(QuiescenceNotice); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected QuiescenceNotice payload", payloadTypeName, event)
		}
	default:
		return errors.New("event type not recognized for validation")
	}

	return nil
}
