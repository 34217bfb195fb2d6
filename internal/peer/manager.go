package peer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/sentryops/camdash/internal/signaling"
	"github.com/sentryops/camdash/internal/stream"
)

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(event string, payload any) error
}

// Config tunes the manager.
type Config struct {
	// NegotiationTimeout bounds how long a session may sit in
	// NEGOTIATING before it is failed. A later fresh offer recovers it.
	NegotiationTimeout time.Duration
}

// Manager owns at most one media session per device id. It answers inbound
// offers, trickles candidates both ways, and publishes negotiated streams
// into the fan-out registry.
type Manager struct {
	cfg      Config
	factory  ConnFactory
	sender   Sender
	registry *stream.Registry

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(factory ConnFactory, sender Sender, registry *stream.Registry, cfg Config) *Manager {
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		sender:   sender,
		registry: registry,
		sessions: make(map[string]*Session),
	}
}

// EnsureSession prepares an idle session (with transport) for deviceID so
// that candidates trickling in ahead of the offer have somewhere to queue.
// Called when a consumer first expresses interest; calling it again for the
// same device is an idempotent join onto the existing session.
func (m *Manager) EnsureSession(deviceID string) {
	sess := m.getOrCreate(deviceID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.conn != nil || sess.state != StateIdle {
		return
	}
	if err := m.rebuildLocked(sess); err != nil {
		log.Printf("peer: %s prepare session failed: %v", deviceID, err)
	}
}

// HandleOffer answers an inbound SDP offer for deviceID. A session is
// created on first offer and reused afterwards; repeated interest in the
// same device never spawns a second negotiation. Exactly one webrtc_answer
// is emitted per accepted offer.
func (m *Manager) HandleOffer(deviceID, sdp string) error {
	sess := m.getOrCreate(deviceID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.conn == nil || sess.state == StateFailed {
		if err := m.rebuildLocked(sess); err != nil {
			return err
		}
	}
	if sess.state == StateIdle || sess.state == StateFailed {
		sess.transitionLocked(StateNegotiating)
		m.armWatchdogLocked(sess)
	}

	conn := sess.conn
	if conn.SignalingState() != webrtc.SignalingStateStable {
		// Glare: the hub re-offered while a previous exchange is still
		// settling. Roll the half-applied negotiation back rather than
		// rejecting the offer; if the transport cannot roll back,
		// rebuild it and apply the offer on a clean connection.
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := conn.SetLocalDescription(rollback); err != nil {
			log.Printf("peer: %s rollback unsupported (%v), rebuilding transport", deviceID, err)
			if err := m.rebuildLocked(sess); err != nil {
				return err
			}
			conn = sess.conn
		} else {
			sess.remoteSet = false
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := conn.SetRemoteDescription(offer); err != nil {
		return m.failLocked(sess, fmt.Errorf("set remote description: %w", err))
	}
	sess.remoteSet = true
	m.flushPendingLocked(sess)

	answer, err := conn.CreateAnswer()
	if err != nil {
		return m.failLocked(sess, fmt.Errorf("create answer: %w", err))
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return m.failLocked(sess, fmt.Errorf("set local description: %w", err))
	}

	// A send failure here is a transport fault, not a negotiation fault:
	// the session stays healthy and the hub will re-offer if it saw no
	// answer.
	if err := m.sender.Send(signaling.EventAnswer, signaling.AnswerPayload{
		DeviceID: deviceID,
		SDP:      answer.SDP,
		Type:     "answer",
	}); err != nil {
		log.Printf("peer: %s answer not delivered: %v", deviceID, err)
	}
	return nil
}

// HandleCandidate applies one remote ICE candidate for deviceID. No
// session and empty candidates (the end-of-candidates marker) are valid
// no-ops. Candidates arriving before the remote description are queued and
// flushed in receipt order once it is set.
func (m *Manager) HandleCandidate(deviceID string, cand webrtc.ICECandidateInit) {
	if cand.Candidate == "" {
		return
	}
	m.mu.RLock()
	sess := m.sessions[deviceID]
	m.mu.RUnlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.conn == nil || sess.state == StateClosed {
		return
	}
	if !sess.remoteSet {
		sess.pendingICE = append(sess.pendingICE, cand)
		return
	}
	if err := sess.conn.AddICECandidate(cand); err != nil {
		log.Printf("peer: %s add candidate failed: %v", deviceID, err)
	}
}

// Close tears down the session for deviceID, clears its published stream,
// and forgets the session. A later offer starts from scratch.
func (m *Manager) Close(deviceID string) {
	m.mu.Lock()
	sess := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	sess.stopWatchdogLocked()
	sess.transitionLocked(StateClosed)
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	sess.mu.Unlock()

	m.registry.Publish(deviceID, nil)
}

// CloseAll tears down every session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// SessionState reports the state for deviceID; ok is false when no session
// exists (a displayable "offline" condition, not an error).
func (m *Manager) SessionState(deviceID string) (State, bool) {
	m.mu.RLock()
	sess := m.sessions[deviceID]
	m.mu.RUnlock()
	if sess == nil {
		return StateIdle, false
	}
	return sess.State(), true
}

// StateCounts reports how many sessions sit in each state, for metrics.
func (m *Manager) StateCounts() map[string]int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range sessions {
		counts[s.State().String()]++
	}
	return counts
}

func (m *Manager) getOrCreate(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[deviceID]; ok {
		return sess
	}
	sess := newSession(deviceID)
	m.sessions[deviceID] = sess
	return sess
}

// rebuildLocked replaces the session's transport with a fresh one and
// resets negotiation bookkeeping. Caller holds sess.mu.
func (m *Manager) rebuildLocked(sess *Session) error {
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	conn, err := m.factory()
	if err != nil {
		return m.failLocked(sess, fmt.Errorf("create transport: %w", err))
	}
	sess.conn = conn
	sess.remoteSet = false
	sess.pendingICE = nil
	m.attach(sess, conn)
	return nil
}

// attach wires the transport callbacks. pion invokes these from its own
// goroutines, never synchronously inside our calls.
func (m *Manager) attach(sess *Session, conn MediaConn) {
	deviceID := sess.deviceID

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		payload := signaling.CandidatePayload{
			DeviceID:  deviceID,
			Candidate: init.Candidate,
		}
		if init.SDPMid != nil {
			payload.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.SDPMLineIndex = *init.SDPMLineIndex
		}
		if err := m.sender.Send(signaling.EventICECandidate, payload); err != nil {
			log.Printf("peer: %s local candidate not delivered: %v", deviceID, err)
		}
	})

	conn.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		m.handleTrack(sess, track, recv)
	})
}

// handleTrack publishes the negotiated stream. A second track for the same
// device (reconnection) replaces the previous stream and re-notifies every
// subscriber.
func (m *Manager) handleTrack(sess *Session, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	sess.mu.Lock()
	if sess.state == StateClosed {
		sess.mu.Unlock()
		return
	}
	if sess.state == StateNegotiating {
		sess.transitionLocked(StateConnected)
		sess.stopWatchdogLocked()
	}
	sess.mu.Unlock()

	kind := ""
	if track != nil {
		kind = track.Kind().String()
	}
	remote := &stream.Remote{
		DeviceID: sess.deviceID,
		Kind:     kind,
		Track:    track,
		Receiver: recv,
	}
	// Publish outside sess.mu: subscriber callbacks must not be able to
	// deadlock against offer handling.
	m.registry.Publish(sess.deviceID, remote)
	log.Printf("peer: %s stream %s published", sess.deviceID, kind)
}

func (m *Manager) flushPendingLocked(sess *Session) {
	for _, cand := range sess.pendingICE {
		if err := sess.conn.AddICECandidate(cand); err != nil {
			log.Printf("peer: %s flush candidate failed: %v", sess.deviceID, err)
		}
	}
	sess.pendingICE = nil
}

// failLocked moves the session to FAILED and drops the transport so the
// next offer starts clean. Caller holds sess.mu.
func (m *Manager) failLocked(sess *Session, err error) error {
	log.Printf("peer: %s negotiation failed: %v", sess.deviceID, err)
	sess.stopWatchdogLocked()
	sess.transitionLocked(StateFailed)
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	return err
}

func (m *Manager) armWatchdogLocked(sess *Session) {
	sess.stopWatchdogLocked()
	sess.watchdog = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.state != StateNegotiating {
			return
		}
		log.Printf("peer: %s negotiation timed out after %s", sess.deviceID, m.cfg.NegotiationTimeout)
		sess.transitionLocked(StateFailed)
		if sess.conn != nil {
			sess.conn.Close()
			sess.conn = nil
		}
	})
}
