package engine

// EventType identifies an engine notification.
type EventType int

const (
	// EventIncomingCall announces a new inbound call awaiting an answer.
	EventIncomingCall EventType = iota
	// EventCallState reports a signaling state change for a call.
	EventCallState
	// EventMediaState reports the call's audio channel becoming
	// available or unavailable.
	EventMediaState
	// EventRegistration reports a registrar state change.
	EventRegistration
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventIncomingCall:
		return "IncomingCall"
	case EventCallState:
		return "CallState"
	case EventMediaState:
		return "MediaState"
	case EventRegistration:
		return "Registration"
	default:
		return "Unknown"
	}
}

// Signal is the engine-level signaling state carried by EventCallState.
// Only Confirmed and Disconnected drive session transitions; the others
// are informational.
type Signal int

const (
	SignalCalling Signal = iota
	SignalRinging
	SignalConfirmed
	SignalDisconnected
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case SignalCalling:
		return "Calling"
	case SignalRinging:
		return "Ringing"
	case SignalConfirmed:
		return "Confirmed"
	case SignalDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Event is a single engine notification. CallID is empty for
// EventRegistration; the remaining fields are meaningful per type.
type Event struct {
	Type       EventType
	CallID     string
	RemoteURI  string // EventIncomingCall
	Signal     Signal // EventCallState
	MediaReady bool   // EventMediaState
	Registered bool   // EventRegistration
	Code       int    // SIP status code when one applies
}
