package signal

import "github.com/pion/webrtc/v4"

// Inbound message types.
const (
	TypeRegister  = "register"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Outbound message types.
const (
	TypeRegistered              = "registered"
	TypeViewerCount             = "viewerCount"
	TypeBroadcasterDisconnected = "broadcasterDisconnected"
)

// Roles carried by register messages.
const (
	RoleBroadcaster = "broadcaster"
	RoleViewer      = "viewer"
)

// Message is the JSON envelope exchanged over a signaling channel, in both
// directions. Fields irrelevant to a given type are omitted on the wire.
type Message struct {
	Type        string                     `json:"type"`
	Role        string                     `json:"role,omitempty"`
	ViewerID    string                     `json:"viewerId,omitempty"`
	Offer       *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer      *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Count       *int                       `json:"count,omitempty"`
	ViewerCount *int                       `json:"viewerCount,omitempty"`
	Permanent   *bool                      `json:"permanent,omitempty"`
}

// Registered builds the acknowledgement sent after a successful register.
// viewerCount is included for broadcasters, viewerID for viewers.
func Registered(role, viewerID string, viewerCount *int) Message {
	return Message{
		Type:        TypeRegistered,
		Role:        role,
		ViewerID:    viewerID,
		ViewerCount: viewerCount,
	}
}

// ViewerCount builds the roster-size notification sent to the broadcaster.
func ViewerCount(n int) Message {
	return Message{Type: TypeViewerCount, Count: &n}
}

// BroadcasterDisconnected builds the disconnect notice sent to viewers.
// Permanent is always serialized, false included, so clients can tell a
// recoverable gap from a shutdown.
func BroadcasterDisconnected(permanent bool) Message {
	return Message{Type: TypeBroadcasterDisconnected, Permanent: &permanent}
}

// Offer wraps a server-generated offer for a viewer.
func Offer(sdp webrtc.SessionDescription) Message {
	return Message{Type: TypeOffer, Offer: &sdp}
}

// Answer wraps a server-generated answer for the broadcaster.
func Answer(sdp webrtc.SessionDescription) Message {
	return Message{Type: TypeAnswer, Answer: &sdp}
}

// Candidate wraps a locally gathered ICE candidate for the remote peer.
func Candidate(c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, Candidate: &c}
}
