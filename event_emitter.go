package roomlink

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/go-logr/logr"
)

// Handler is the listener signature for emitter events. Arguments arrive in
// the order the emitter passed them.
type Handler func(args ...interface{})

// IEventEmitter is the delegate fan-out used for connection-state changes,
// received data and track/session updates. Listeners for one event are
// invoked in registration order; a panicking listener never blocks the rest
// when SafeEmit is used.
type IEventEmitter interface {
	// On adds the listener function to the end of the listeners array for
	// the event named eventName. No dedup is attempted; registering the same
	// listener twice means it runs twice.
	On(eventName string, handler Handler)

	// Once adds a one-time listener. The next time eventName is emitted, the
	// listener is removed and then invoked.
	Once(eventName string, handler Handler)

	// Emit calls each listener registered for eventName with the supplied
	// arguments. Returns true if the event had listeners.
	Emit(eventName string, args ...interface{}) bool

	// SafeEmit is Emit with per-listener panic recovery, so one misbehaving
	// subscriber cannot block the others.
	SafeEmit(eventName string, args ...interface{}) bool

	// Off removes the given listener for eventName.
	Off(eventName string, handler Handler)

	// RemoveAllListeners removes all listeners, or those of the given events.
	RemoveAllListeners(eventNames ...string)

	// ListenerCount returns the number of listeners for eventName.
	ListenerCount(eventName string) int
}

type eventListener struct {
	handler Handler
	once    *sync.Once
}

type EventEmitter struct {
	mu        sync.Mutex
	listeners map[string][]*eventListener
	logger    logr.Logger
}

func NewEventEmitter() IEventEmitter {
	return &EventEmitter{
		logger: NewLogger("EventEmitter"),
	}
}

func (e *EventEmitter) On(event string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[string][]*eventListener)
	}
	e.listeners[event] = append(e.listeners[event], &eventListener{handler: handler})
}

func (e *EventEmitter) Once(event string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[string][]*eventListener)
	}
	e.listeners[event] = append(e.listeners[event], &eventListener{
		handler: handler,
		once:    &sync.Once{},
	})
}

func (e *EventEmitter) Emit(event string, args ...interface{}) bool {
	// snapshot under lock, call outside it so listeners may re-register
	e.mu.Lock()
	if e.listeners == nil {
		e.mu.Unlock()
		return false
	}
	listeners := make([]*eventListener, len(e.listeners[event]))
	copy(listeners, e.listeners[event])
	e.mu.Unlock()

	for _, listener := range listeners {
		if listener.once != nil {
			e.remove(event, listener)
			listener.once.Do(func() {
				listener.handler(args...)
			})
		} else {
			listener.handler(args...)
		}
	}
	return len(listeners) > 0
}

func (e *EventEmitter) SafeEmit(event string, args ...interface{}) bool {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(fmt.Errorf("%v", r), "emit panic", "event", event, "stack", string(debug.Stack()))
		}
	}()

	return e.Emit(event, args...)
}

func (e *EventEmitter) Off(event string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		return
	}
	listeners := e.listeners[event]
	handlerPtr := reflect.ValueOf(handler).Pointer()

	for i, listener := range listeners {
		if reflect.ValueOf(listener.handler).Pointer() == handlerPtr {
			e.listeners[event] = append(listeners[0:i], listeners[i+1:]...)
			break
		}
	}
}

func (e *EventEmitter) RemoveAllListeners(events ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		return
	}
	if len(events) == 0 {
		e.listeners = nil
		return
	}
	for _, event := range events {
		delete(e.listeners, event)
	}
}

func (e *EventEmitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.listeners[event])
}

func (e *EventEmitter) remove(event string, target *eventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	listeners := e.listeners[event]
	for i, listener := range listeners {
		if listener == target {
			e.listeners[event] = append(listeners[0:i], listeners[i+1:]...)
			break
		}
	}
}
