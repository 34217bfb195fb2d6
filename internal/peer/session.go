package peer

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// State is the lifecycle of one per-device media session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions is the explicit transition table. FAILED may re-enter
// NEGOTIATING: a fresh inbound offer is the recovery path for a failed
// session. CLOSED is terminal; a closed device gets a brand-new session.
var validTransitions = map[State]map[State]bool{
	StateIdle:        {StateNegotiating: true, StateFailed: true, StateClosed: true},
	StateNegotiating: {StateConnected: true, StateFailed: true, StateClosed: true},
	StateConnected:   {StateFailed: true, StateClosed: true},
	StateFailed:      {StateNegotiating: true, StateClosed: true},
	StateClosed:      {},
}

// Session holds the negotiation state for exactly one device. All mutation
// happens under mu, which serializes offer and candidate handling per
// device; sessions for distinct devices are fully independent.
type Session struct {
	deviceID string

	mu         sync.Mutex
	state      State
	conn       MediaConn
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	watchdog   *time.Timer
}

func newSession(deviceID string) *Session {
	return &Session{deviceID: deviceID, state: StateIdle}
}

// transitionLocked applies the table; rejected transitions are logged and
// leave the state untouched. Caller holds s.mu.
func (s *Session) transitionLocked(to State) bool {
	if s.state == to {
		return true
	}
	if !validTransitions[s.state][to] {
		log.Printf("peer: %s rejected transition %s -> %s", s.deviceID, s.state, to)
		return false
	}
	s.state = to
	return true
}

func (s *Session) stopWatchdogLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
