package sfu

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/solocast/solocast/internal/rtc"
	"github.com/solocast/solocast/internal/signal"
)

// PeerFactory builds peer connections. Satisfied by rtc.Engine; tests supply
// their own.
type PeerFactory interface {
	NewPeerConnection() (rtc.PeerConnection, error)
}

// Registry owns the singleton broadcaster, the viewer roster and the
// disconnect grace timer. It is constructed once at process start and torn
// down at shutdown; all session mutation funnels through it.
type Registry struct {
	factory PeerFactory
	grace   time.Duration
	log     *logrus.Entry

	mu              sync.Mutex
	broadcaster     *BroadcasterSession
	viewers         map[string]*ViewerSession
	disconnectTimer *time.Timer
}

// NewRegistry creates an empty registry. grace is how long a broadcaster loss
// is concealed from viewers to tolerate quick reconnects.
func NewRegistry(factory PeerFactory, grace time.Duration, log *logrus.Entry) *Registry {
	return &Registry{
		factory: factory,
		grace:   grace,
		log:     log,
		viewers: map[string]*ViewerSession{},
	}
}

// RegisterBroadcaster admits a broadcaster, destroying and replacing any
// prior one. A pending disconnect notification is cancelled, so a reconnect
// within the grace window looks like an uninterrupted stream to viewers.
func (r *Registry) RegisterBroadcaster(ch signal.Channel) (*BroadcasterSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disconnectTimer != nil {
		r.disconnectTimer.Stop()
		r.disconnectTimer = nil
	}

	if old := r.broadcaster; old != nil {
		r.broadcaster = nil
		old.close()
		for _, vs := range r.viewers {
			vs.attach(nil)
		}
		r.log.Info("replaced existing broadcaster")
	}

	pc, err := r.factory.NewPeerConnection()
	if err != nil {
		r.log.Errorf("broadcaster peer connection failed: %v", err)
		return nil, err
	}
	if err := pc.AddVideoTransceiver(webrtc.RTPTransceiverDirectionRecvonly); err != nil {
		_ = pc.Close()
		r.log.Errorf("broadcaster video slot failed: %v", err)
		return nil, err
	}

	bs := &BroadcasterSession{ch: ch, pc: pc, log: r.log}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := ch.Send(signal.Candidate(c)); err != nil {
			r.log.Debugf("broadcaster candidate send failed: %v", err)
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote) {
		r.handleUpstreamTrack(bs, remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		// A failed transport is reported to viewers as a recoverable gap;
		// actual teardown is driven by channel closure.
		if state == webrtc.PeerConnectionStateFailed {
			r.log.Warn("broadcaster connection failed")
			r.notifyViewers(signal.BroadcasterDisconnected(false))
		}
	})

	r.broadcaster = bs
	n := len(r.viewers)
	if err := ch.Send(signal.Registered(signal.RoleBroadcaster, "", &n)); err != nil {
		r.log.Debugf("broadcaster ack send failed: %v", err)
	}
	r.log.Infof("broadcaster registered (%d viewers waiting)", n)
	return bs, nil
}

// RegisterViewer admits a viewer, generating an id when none is supplied and
// destructively replacing any live session under the same id. If the
// broadcaster already holds a track it is attached to the new slot before the
// initial offer goes out.
func (r *Registry) RegisterViewer(id string, ch signal.Channel) (*ViewerSession, error) {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if old, ok := r.viewers[id]; ok {
		delete(r.viewers, id)
		old.Close()
		r.log.Infof("replaced existing viewer %s", id)
	}

	pc, err := r.factory.NewPeerConnection()
	if err != nil {
		r.mu.Unlock()
		r.log.Errorf("viewer peer connection failed: %v", err)
		return nil, err
	}
	if err := pc.AddVideoTransceiver(webrtc.RTPTransceiverDirectionSendonly); err != nil {
		r.mu.Unlock()
		_ = pc.Close()
		r.log.Errorf("viewer video slot failed: %v", err)
		return nil, err
	}

	vs := newViewerSession(id, ch, pc, r.log)

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := ch.Send(signal.Candidate(c)); err != nil {
			vs.log.Debugf("candidate send failed: %v", err)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			vs.restartICE()
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			r.dropViewer(vs, state.String())
		}
	})

	bs := r.broadcaster
	r.viewers[id] = vs
	// Attach before releasing the lock so a substitution racing with this
	// registration cannot be clobbered by a stale track handle.
	if bs != nil {
		if track := bs.currentTrack(); track != nil {
			vs.attach(track)
		}
	}
	n := len(r.viewers)
	r.mu.Unlock()

	if err := ch.Send(signal.Registered(signal.RoleViewer, id, nil)); err != nil {
		vs.log.Debugf("viewer ack send failed: %v", err)
	}
	if bs == nil {
		_ = ch.Send(signal.BroadcasterDisconnected(false))
	}
	if err := vs.sendOffer(nil); err != nil {
		vs.log.Warnf("initial offer failed: %v", err)
	}
	if bs != nil {
		if err := bs.ch.Send(signal.ViewerCount(n)); err != nil {
			r.log.Debugf("viewer count send failed: %v", err)
		}
	}

	r.log.Infof("viewer %s registered (%d total)", id, n)
	return vs, nil
}

// RemoveViewer tears down the session registered under id, if any.
func (r *Registry) RemoveViewer(id string) {
	r.mu.Lock()
	vs := r.viewers[id]
	r.mu.Unlock()
	if vs != nil {
		r.dropViewer(vs, "removed")
	}
}

// ViewerClosed handles viewer channel closure. Unlike RemoveViewer it never
// touches a newer session registered under the same id.
func (r *Registry) ViewerClosed(vs *ViewerSession) {
	r.dropViewer(vs, "channel closed")
}

// dropViewer removes exactly the given session. A stale pointer, left over
// after a destructive re-registration under the same id, is a no-op.
func (r *Registry) dropViewer(vs *ViewerSession, reason string) {
	r.mu.Lock()
	if current, ok := r.viewers[vs.ID]; !ok || current != vs {
		r.mu.Unlock()
		return
	}
	delete(r.viewers, vs.ID)
	bs := r.broadcaster
	n := len(r.viewers)
	r.mu.Unlock()

	vs.Close()
	r.log.Infof("viewer %s removed (%s, %d remaining)", vs.ID, reason, n)

	if bs != nil {
		if err := bs.ch.Send(signal.ViewerCount(n)); err != nil {
			r.log.Debugf("viewer count send failed: %v", err)
		}
	}
}

// BroadcasterClosed handles broadcaster channel closure: resources are freed
// immediately but viewers are not told yet. A single-shot grace timer fires
// the non-permanent notice only if no replacement registers in time.
func (r *Registry) BroadcasterClosed(bs *BroadcasterSession) {
	r.mu.Lock()
	if r.broadcaster != bs {
		r.mu.Unlock()
		return
	}
	r.broadcaster = nil
	if r.disconnectTimer != nil {
		r.disconnectTimer.Stop()
	}
	r.disconnectTimer = time.AfterFunc(r.grace, r.graceExpired)
	r.mu.Unlock()

	bs.close()
	r.log.Infof("broadcaster disconnected, concealing for %s", r.grace)
}

func (r *Registry) graceExpired() {
	r.mu.Lock()
	r.disconnectTimer = nil
	if r.broadcaster != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.log.Info("broadcaster did not return, notifying viewers")
	r.notifyViewers(signal.BroadcasterDisconnected(false))
}

// RemoveBroadcaster releases the broadcaster without touching viewers; they
// keep their reserved, now empty, sending slots.
func (r *Registry) RemoveBroadcaster() {
	r.mu.Lock()
	bs := r.broadcaster
	r.broadcaster = nil
	r.mu.Unlock()

	if bs != nil {
		bs.close()
	}
}

// setBroadcastTrack publishes a newly arrived upstream track and substitutes
// it into every current viewer slot. Ignored when the session has already
// been replaced.
func (r *Registry) setBroadcastTrack(bs *BroadcasterSession, track webrtc.TrackLocal) {
	r.mu.Lock()
	if r.broadcaster != bs {
		r.mu.Unlock()
		return
	}
	bs.setTrack(track)
	viewers := r.snapshotLocked()
	r.mu.Unlock()

	for _, vs := range viewers {
		vs.attach(track)
	}
}

// clearBroadcastTrack forgets an ended track. Viewer slots are left as they
// are: the stream simply freezes until a renewed track is substituted in.
func (r *Registry) clearBroadcastTrack(bs *BroadcasterSession, track webrtc.TrackLocal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broadcaster == bs && bs.currentTrack() == track {
		bs.setTrack(nil)
	}
}

func (r *Registry) snapshotLocked() []*ViewerSession {
	out := make([]*ViewerSession, 0, len(r.viewers))
	for _, vs := range r.viewers {
		out = append(out, vs)
	}
	return out
}

func (r *Registry) notifyViewers(msg signal.Message) {
	r.mu.Lock()
	viewers := r.snapshotLocked()
	r.mu.Unlock()

	for _, vs := range viewers {
		if err := vs.ch.Send(msg); err != nil {
			vs.log.Debugf("notify failed: %v", err)
		}
	}
}

// Stats describes the registry for the health endpoint.
type Stats struct {
	Broadcasting bool `json:"broadcasting"`
	Live         bool `json:"live"`
	Viewers      int  `json:"viewers"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Viewers: len(r.viewers)}
	if r.broadcaster != nil {
		s.Broadcasting = true
		s.Live = r.broadcaster.currentTrack() != nil
	}
	return s
}

// Shutdown broadcasts a permanent disconnect to every viewer, then releases
// the broadcaster and all viewer resources.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.disconnectTimer != nil {
		r.disconnectTimer.Stop()
		r.disconnectTimer = nil
	}
	bs := r.broadcaster
	r.broadcaster = nil
	viewers := r.snapshotLocked()
	r.viewers = map[string]*ViewerSession{}
	r.mu.Unlock()

	for _, vs := range viewers {
		if err := vs.ch.Send(signal.BroadcasterDisconnected(true)); err != nil {
			vs.log.Debugf("shutdown notify failed: %v", err)
		}
	}
	if bs != nil {
		bs.close()
	}
	for _, vs := range viewers {
		vs.Close()
	}
}
