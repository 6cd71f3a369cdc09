package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PeerConnection is the capability set the session core relies on. It is the
// only surface the core calls; the pion implementation stays behind it so the
// signaling state machines can be exercised without a media stack.
type PeerConnection interface {
	// AddVideoTransceiver reserves a unidirectional video slot up front, so
	// the negotiated SDP carries a video media line before any track exists.
	AddVideoTransceiver(direction webrtc.RTPTransceiverDirection) error

	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// ReplaceVideoTrack substitutes the source feeding the reserved sending
	// slot without renegotiation. A nil track empties the slot.
	ReplaceVideoTrack(track webrtc.TrackLocal) error

	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnTrack(f func(*webrtc.TrackRemote))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))

	Close() error
}

// pionPeer wraps a pion PeerConnection.
type pionPeer struct {
	pc    *webrtc.PeerConnection
	video *webrtc.RTPTransceiver
	log   *logrus.Entry
}

func (p *pionPeer) AddVideoTransceiver(direction webrtc.RTPTransceiverDirection) error {
	tr, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: direction,
	})
	if err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}
	p.video = tr

	if direction == webrtc.RTPTransceiverDirectionSendonly || direction == webrtc.RTPTransceiverDirectionSendrecv {
		go drainRTCP(tr.Sender())
	}
	return nil
}

// drainRTCP reads and discards sender reports so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	if p.video == nil || p.video.Sender() == nil {
		return fmt.Errorf("no sending video slot reserved")
	}
	return p.video.Sender().ReplaceTrack(track)
}

func (p *pionPeer) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		f(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(f func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
