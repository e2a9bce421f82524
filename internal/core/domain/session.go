package domain

type SessionState int

const (
	SessionStateInvalid SessionState = iota
	SessionStateDisconnected
	SessionStateConnecting
	SessionStateConnected
	SessionStateError
)

func (s SessionState) String() string {
	switch s {
	case SessionStateInvalid:
		return "invalid"
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	case SessionStateError:
		return "error"
	default:
		return "unknown"
	}
}

type RetryState int

const (
	RetryStateNotRetrying RetryState = iota
	RetryStateWaitingForInternet
	RetryStateWaitingForBackoffTimer
	RetryStateRetrying
	RetryStateSuccess
	RetryStateFailure
)

func (s RetryState) String() string {
	switch s {
	case RetryStateNotRetrying:
		return "not_retrying"
	case RetryStateWaitingForInternet:
		return "waiting_for_internet"
	case RetryStateWaitingForBackoffTimer:
		return "waiting_for_backoff_timer"
	case RetryStateRetrying:
		return "retrying"
	case RetryStateSuccess:
		return "success"
	case RetryStateFailure:
		return "failure"
	default:
		return "unknown"
	}
}
