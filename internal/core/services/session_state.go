package services

import (
	"sync"

	"livecast/internal/core/domain"

	"go.uber.org/zap"
)

type SessionEvent int

const (
	EventReady SessionEvent = iota
	EventStart
	EventConnected
	EventStop
	EventConnectionLost
	EventReconnecting
	EventFatal
	EventUnrecoverable
)

func (e SessionEvent) String() string {
	switch e {
	case EventReady:
		return "ready"
	case EventStart:
		return "start"
	case EventConnected:
		return "connected"
	case EventStop:
		return "stop"
	case EventConnectionLost:
		return "connection_lost"
	case EventReconnecting:
		return "reconnecting"
	case EventFatal:
		return "fatal"
	case EventUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

type stateKey struct {
	from  domain.SessionState
	event SessionEvent
}

var sessionTransitions = map[stateKey]domain.SessionState{
	{domain.SessionStateInvalid, EventReady}: domain.SessionStateDisconnected,

	{domain.SessionStateInvalid, EventStart}:      domain.SessionStateConnecting,
	{domain.SessionStateDisconnected, EventStart}: domain.SessionStateConnecting,

	{domain.SessionStateConnecting, EventConnected}: domain.SessionStateConnected,

	{domain.SessionStateConnecting, EventStop}: domain.SessionStateDisconnected,
	{domain.SessionStateConnected, EventStop}:  domain.SessionStateDisconnected,
	{domain.SessionStateError, EventStop}:      domain.SessionStateDisconnected,

	{domain.SessionStateConnecting, EventConnectionLost}: domain.SessionStateDisconnected,
	{domain.SessionStateConnected, EventConnectionLost}:  domain.SessionStateDisconnected,

	{domain.SessionStateDisconnected, EventReconnecting}: domain.SessionStateConnecting,

	{domain.SessionStateConnecting, EventFatal}: domain.SessionStateDisconnected,
	{domain.SessionStateConnected, EventFatal}:  domain.SessionStateDisconnected,
}

// SessionStateMachine validates session lifecycle transitions and reports
// each accepted one on the dispatcher, in order.
type SessionStateMachine struct {
	mu         sync.Mutex
	state      domain.SessionState
	dispatcher *Dispatcher
	onChange   func(domain.SessionState)
	logger     *zap.SugaredLogger
}

func NewSessionStateMachine(dispatcher *Dispatcher, onChange func(domain.SessionState), logger *zap.SugaredLogger) *SessionStateMachine {
	return &SessionStateMachine{
		state:      domain.SessionStateInvalid,
		dispatcher: dispatcher,
		onChange:   onChange,
		logger:     logger,
	}
}

func (sm *SessionStateMachine) State() domain.SessionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Fire applies event. Invalid transitions leave the state unchanged and
// return ErrInvalidState. EventUnrecoverable is accepted from any state.
func (sm *SessionStateMachine) Fire(event SessionEvent) (domain.SessionState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.state
	var to domain.SessionState
	if event == EventUnrecoverable {
		to = domain.SessionStateError
	} else {
		next, ok := sessionTransitions[stateKey{from, event}]
		if !ok {
			return from, domain.Errorf(domain.ErrCodeInvalidState, "cannot %s while %s", event, from)
		}
		to = next
	}
	if to == from {
		return from, nil
	}

	sm.state = to
	sm.logger.Infow("session state changed", "from", from.String(), "to", to.String(), "event", event.String())
	// Queued under the lock so observers see transitions in order.
	if sm.onChange != nil {
		cb := sm.onChange
		sm.dispatcher.Dispatch(func() { cb(to) })
	}
	return to, nil
}

// Can reports whether event would be accepted right now.
func (sm *SessionStateMachine) Can(event SessionEvent) bool {
	if event == EventUnrecoverable {
		return true
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sessionTransitions[stateKey{sm.state, event}]
	return ok
}
