package sfu

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/solocast/solocast/internal/rtc"
	"github.com/solocast/solocast/internal/signal"
)

// BroadcasterSession is the singleton upstream side of the relay. Its peer
// connection holds one receive-only video slot reserved at creation, so the
// browser-side offer negotiates a video media line before any track exists.
type BroadcasterSession struct {
	ch  signal.Channel
	pc  rtc.PeerConnection
	log *logrus.Entry

	mu    sync.Mutex
	track webrtc.TrackLocal
}

// HandleOffer applies the broadcaster's offer and returns an answer through
// the signaling channel. On failure the session stays where it was and the
// broadcaster may retry with a fresh offer.
func (b *BroadcasterSession) HandleOffer(offer webrtc.SessionDescription) error {
	if err := b.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("apply broadcaster offer: %w", err)
	}

	answer, err := b.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := b.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := b.ch.Send(signal.Answer(answer)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// AddCandidate applies a trickled ICE candidate. The broadcaster needs no
// candidate buffer: its remote description is set synchronously inside the
// same handler that receives the offer, before any candidate can arrive.
func (b *BroadcasterSession) AddCandidate(candidate webrtc.ICECandidateInit) {
	if err := b.pc.AddICECandidate(candidate); err != nil {
		b.log.Warnf("broadcaster candidate rejected: %v", err)
	}
}

func (b *BroadcasterSession) currentTrack() webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.track
}

func (b *BroadcasterSession) setTrack(track webrtc.TrackLocal) {
	b.mu.Lock()
	b.track = track
	b.mu.Unlock()
}

// close releases the peer connection. Idempotent, errors swallowed.
func (b *BroadcasterSession) close() {
	b.setTrack(nil)
	_ = b.pc.Close()
}

// handleUpstreamTrack relays an incoming broadcaster track. Video is bridged
// onto a local static RTP track shared by every viewer slot; anything else is
// drained and discarded since only video is relayed.
func (r *Registry) handleUpstreamTrack(bs *BroadcasterSession, remote *webrtc.TrackRemote) {
	if remote.Kind() != webrtc.RTPCodecTypeVideo {
		buf := make([]byte, 1500)
		for {
			if _, _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, "video", "solocast")
	if err != nil {
		r.log.Errorf("failed to create relay track: %v", err)
		return
	}

	r.log.Infof("broadcaster track live (%s)", remote.Codec().MimeType)
	r.setBroadcastTrack(bs, local)

	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			break
		}
		if writeErr := local.WriteRTP(pkt); writeErr != nil {
			break
		}
	}

	// Track ended upstream. The session survives: a renewed track can arrive
	// later within the same connection.
	r.clearBroadcastTrack(bs, local)
	r.log.Info("broadcaster track ended")
}
