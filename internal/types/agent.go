package types

// ConnState represents the state of the channel to a remote agent
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
)

// Connected reports whether the state is connected
func (s ConnState) Connected() bool {
	return s == ConnStateConnected
}

// ClientType tags which side of the hub a socket belongs to
type ClientType string

const (
	ClientTypeAgent ClientType = "agent"
	ClientTypeWeb   ClientType = "web"
)

// Valid reports whether t is a known client type
func (t ClientType) Valid() bool {
	return t == ClientTypeAgent || t == ClientTypeWeb
}
