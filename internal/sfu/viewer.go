package sfu

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/solocast/solocast/internal/rtc"
	"github.com/solocast/solocast/internal/signal"
)

type viewerState int

const (
	viewerConnecting viewerState = iota
	viewerOffered
	viewerNegotiated
	viewerClosed
)

// ViewerSession is one downstream leg of the relay. The server is always the
// offering side; a send-only video slot is reserved before any track exists
// so later substitutions never need a renegotiation.
type ViewerSession struct {
	ID  string
	ch  signal.Channel
	pc  rtc.PeerConnection
	log *logrus.Entry

	mu       sync.Mutex
	state    viewerState
	pending  []webrtc.ICECandidateInit
	attached webrtc.TrackLocal

	// Substitution requested mid-negotiation is parked here and applied once
	// the answer lands. hasDeferred distinguishes a deferred clear from no
	// deferral at all.
	deferred    webrtc.TrackLocal
	hasDeferred bool
}

func newViewerSession(id string, ch signal.Channel, pc rtc.PeerConnection, log *logrus.Entry) *ViewerSession {
	return &ViewerSession{
		ID:    id,
		ch:    ch,
		pc:    pc,
		log:   log.WithField("viewer", id),
		state: viewerConnecting,
	}
}

// sendOffer generates an offer, applies it locally and pushes it to the
// viewer. Used for the initial negotiation and for ICE restarts.
func (v *ViewerSession) sendOffer(options *webrtc.OfferOptions) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sendOfferLocked(options)
}

func (v *ViewerSession) sendOfferLocked(options *webrtc.OfferOptions) error {
	if v.state == viewerClosed {
		return fmt.Errorf("viewer session closed")
	}

	offer, err := v.pc.CreateOffer(options)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := v.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := v.ch.Send(signal.Offer(offer)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	v.state = viewerOffered
	return nil
}

// HandleAnswer applies the viewer's answer, drains the candidate buffer in
// arrival order and applies any substitution deferred during negotiation.
func (v *ViewerSession) HandleAnswer(answer webrtc.SessionDescription) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == viewerClosed {
		return fmt.Errorf("viewer session closed")
	}
	if err := v.pc.SetRemoteDescription(answer); err != nil {
		// Session stays in its current state; the viewer may answer again.
		return fmt.Errorf("apply viewer answer: %w", err)
	}
	v.state = viewerNegotiated

	for _, c := range v.pending {
		if err := v.pc.AddICECandidate(c); err != nil {
			v.log.Warnf("buffered candidate rejected: %v", err)
		}
	}
	v.pending = nil

	if v.hasDeferred {
		if err := v.pc.ReplaceVideoTrack(v.deferred); err != nil {
			v.log.Warnf("deferred track substitution failed: %v", err)
		} else {
			v.attached = v.deferred
		}
		v.deferred, v.hasDeferred = nil, false
	}
	return nil
}

// AddCandidate applies the candidate if the remote description is already
// set, otherwise buffers it for the post-answer flush.
func (v *ViewerSession) AddCandidate(candidate webrtc.ICECandidateInit) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == viewerClosed {
		return
	}
	if v.state == viewerNegotiated {
		if err := v.pc.AddICECandidate(candidate); err != nil {
			v.log.Warnf("candidate rejected: %v", err)
		}
		return
	}
	v.pending = append(v.pending, candidate)
}

// attach substitutes track into the reserved sending slot. While an offer is
// in flight the substitution is deferred until the answer lands; otherwise it
// is applied in place, with no renegotiation. A nil track empties the slot.
func (v *ViewerSession) attach(track webrtc.TrackLocal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case viewerClosed:
		return
	case viewerOffered:
		if track == v.attached && !v.hasDeferred {
			return
		}
		v.deferred, v.hasDeferred = track, true
	default:
		if track == v.attached {
			return
		}
		if err := v.pc.ReplaceVideoTrack(track); err != nil {
			v.log.Warnf("track substitution failed: %v", err)
			return
		}
		v.attached = track
	}
}

// restartICE sends a restart offer over the existing session, recovering from
// transient network path changes without a full re-handshake.
func (v *ViewerSession) restartICE() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != viewerNegotiated {
		return
	}
	v.log.Info("ICE failed, sending restart offer")
	if err := v.sendOfferLocked(&webrtc.OfferOptions{ICERestart: true}); err != nil {
		v.log.Warnf("ICE restart offer failed: %v", err)
	}
}

// Close releases the peer connection and discards buffered candidates.
// Idempotent, errors swallowed.
func (v *ViewerSession) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == viewerClosed {
		return
	}
	v.state = viewerClosed
	v.pending = nil
	v.deferred, v.hasDeferred = nil, false
	_ = v.pc.Close()
}
