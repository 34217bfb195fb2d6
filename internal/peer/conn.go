package peer

import (
	"github.com/pion/webrtc/v3"
)

// MediaConn is the slice of the WebRTC peer connection the manager drives.
// Keeping it behind an interface lets the state machine run in tests
// without DTLS or ICE.
type MediaConn interface {
	SignalingState() webrtc.SignalingState
	SetRemoteDescription(desc webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// ConnFactory builds a fresh transport for one negotiation attempt.
type ConnFactory func() (MediaConn, error)

// NewPionFactory returns a factory producing pion-backed connections
// configured with the given STUN servers.
func NewPionFactory(stunURLs []string) ConnFactory {
	return func() (MediaConn, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
		})
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionConn) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }

func (p *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

func (p *pionConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *pionConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

func (p *pionConn) Close() error { return p.pc.Close() }
