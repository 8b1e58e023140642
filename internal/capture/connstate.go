package capture

import "github.com/pion/webrtc/v3"

// ConnectionState is the peer connection state reported to the session.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

var connectionStateNames = [...]string{
	ConnectionStateNew:          "new",
	ConnectionStateConnecting:   "connecting",
	ConnectionStateConnected:    "connected",
	ConnectionStateDisconnected: "disconnected",
	ConnectionStateFailed:       "failed",
	ConnectionStateClosed:       "closed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateNames) {
		return "unknown"
	}
	return connectionStateNames[s]
}

// IsTerminalState reports whether the peer is gone for good. A disconnected
// peer may still recover.
func (s ConnectionState) IsTerminalState() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed
}

func peerConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	}
	return ConnectionStateNew
}
