package signaling

import "encoding/json"

// Event names exchanged with the backend hub.
const (
	// Inbound
	EventNewAlert     = "new_alert_broadcast"
	EventOffer        = "webrtc_offer"
	EventICECandidate = "webrtc_ice_candidate"

	// Outbound
	EventDashboardReady = "dashboard_ready"
	EventAnswer         = "webrtc_answer"
	EventTriggerSiren   = "trigger_siren"
)

// Envelope is the wire frame for every hub message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// OfferPayload carries an SDP offer from a device.
type OfferPayload struct {
	DeviceID string `json:"deviceId"`
	SDP      string `json:"sdp"`
}

// AnswerPayload carries our SDP answer back to a device.
type AnswerPayload struct {
	DeviceID string `json:"deviceId"`
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
}

// CandidatePayload carries one trickled ICE candidate in either direction.
// An empty Candidate is the far side's end-of-candidates marker.
type CandidatePayload struct {
	DeviceID      string `json:"deviceId"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// ReadyPayload announces dashboard interest in a device.
type ReadyPayload struct {
	DeviceID string `json:"deviceId"`
}

// SirenPayload requests the siren at a device's location.
type SirenPayload struct {
	DeviceID string `json:"deviceId"`
}

// AlertBroadcast is the server-pushed alert creation event. Timestamp is
// epoch seconds on the wire.
type AlertBroadcast struct {
	ID        string  `json:"id"`
	DeviceID  string  `json:"deviceId"`
	Location  string  `json:"location"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}
