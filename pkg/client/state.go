package client

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// live reports whether a connection is up or being pursued.
func (s ConnectionState) live() bool {
	return s == Connecting || s == Connected || s == Reconnecting
}

type input int

const (
	inputConnect input = iota
	inputOpened
	inputLost
	inputLostFinal
	inputRetryDue
	inputHeartbeat
	inputDisconnect
)

func (in input) String() string {
	switch in {
	case inputConnect:
		return "connect"
	case inputOpened:
		return "opened"
	case inputLost:
		return "lost"
	case inputLostFinal:
		return "lost_final"
	case inputRetryDue:
		return "retry_due"
	case inputHeartbeat:
		return "heartbeat"
	case inputDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

type effect uint16

const (
	effCancelRetry effect = 1 << iota
	effStopHeartbeat
	effCloseTransport
	effDiscardQueue
	effResetPolicy
	effOpen
	effMarkConnected
	effStartHeartbeat
	effDrain
	effScheduleRetry
	effSendHeartbeat
)

func (e effect) has(f effect) bool { return e&f != 0 }

// transition is the whole connection state machine. It returns ok=false
// for inputs that mean nothing in the current state; the caller ignores
// those.
func transition(s ConnectionState, in input) (ConnectionState, effect, bool) {
	switch in {
	case inputConnect:
		if s == Disconnected || s == Failed {
			return Connecting, effResetPolicy | effOpen, true
		}
	case inputOpened:
		if s == Connecting || s == Reconnecting {
			return Connected, effMarkConnected | effStartHeartbeat | effDrain, true
		}
	case inputLost:
		if s.live() {
			return Reconnecting, effStopHeartbeat | effCloseTransport | effScheduleRetry, true
		}
	case inputLostFinal:
		if s.live() {
			return Failed, effStopHeartbeat | effCloseTransport, true
		}
	case inputRetryDue:
		if s == Reconnecting {
			return Reconnecting, effOpen, true
		}
	case inputHeartbeat:
		if s == Connected {
			return Connected, effSendHeartbeat, true
		}
	case inputDisconnect:
		return Disconnected, effCancelRetry | effStopHeartbeat | effCloseTransport | effDiscardQueue | effResetPolicy, true
	}
	return s, 0, false
}
