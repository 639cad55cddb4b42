package tunnel

import "fmt"

// State is a step in the life of one CONNECT tunnel.
type State int

const (
	StateReceived State = iota
	StateDecided
	StatePiped
	StateHandshaking
	StateDecrypted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecided:
		return "decided"
	case StatePiped:
		return "piped"
	case StateHandshaking:
		return "handshaking"
	case StateDecrypted:
		return "decrypted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode is the one-time decision made for a tunnel.
type Mode int

const (
	ModeRelay Mode = iota
	ModeIntercept
)

func (m Mode) String() string {
	if m == ModeIntercept {
		return "intercept"
	}
	return "relay"
}

var transitions = map[State][]State{
	StateReceived:    {StateDecided, StateClosed},
	StateDecided:     {StatePiped, StateHandshaking, StateClosed},
	StatePiped:       {StateClosed},
	StateHandshaking: {StateDecrypted, StateClosed},
	StateDecrypted:   {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
