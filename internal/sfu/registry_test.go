package sfu

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/solocast/solocast/internal/rtc"
	"github.com/solocast/solocast/internal/signal"
)

// fakeChannel records every outbound message for verification. Tests may
// install a sendHook to interleave registry calls with outbound traffic.
type fakeChannel struct {
	mu       sync.Mutex
	msgs     []signal.Message
	closed   bool
	sendHook func(signal.Message)
}

func (c *fakeChannel) Send(msg signal.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	hook := c.sendHook
	c.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) messages() []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeChannel) byType(msgType string) []signal.Message {
	var out []signal.Message
	for _, m := range c.messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakePeer implements rtc.PeerConnection and records every call.
type fakePeer struct {
	mu sync.Mutex

	direction  webrtc.RTPTransceiverDirection
	remoteDesc *webrtc.SessionDescription
	localDesc  *webrtc.SessionDescription
	offers     []*webrtc.OfferOptions
	candidates []webrtc.ICECandidateInit
	replaced   []webrtc.TrackLocal
	closed     bool

	remoteErr    error
	candidateErr error
	replaceErr   error

	onTrack        func(*webrtc.TrackRemote)
	onCandidate    func(webrtc.ICECandidateInit)
	onConnState    func(webrtc.PeerConnectionState)
	onICEConnState func(webrtc.ICEConnectionState)
}

func (p *fakePeer) AddVideoTransceiver(direction webrtc.RTPTransceiverDirection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.direction = direction
	return nil
}

func (p *fakePeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, options)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remoteDesc = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return p.candidateErr
}

func (p *fakePeer) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replaceErr != nil {
		return p.replaceErr
	}
	p.replaced = append(p.replaced, track)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(webrtc.ICECandidateInit)) { p.onCandidate = f }

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote)) { p.onTrack = f }

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { p.onConnState = f }
func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.onICEConnState = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *fakePeer) replacedTracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(p.replaced))
	copy(out, p.replaced)
	return out
}

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offers)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeFactory hands out fakePeers in creation order.
type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakeFactory) NewPeerConnection() (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger.WithField("prefix", "test")
}

func newTestRegistry(grace time.Duration) (*Registry, *fakeFactory) {
	f := &fakeFactory{}
	return NewRegistry(f, grace, testLogger()), f
}

func testTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, "solocast",
	)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	return track
}

func answerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 viewer answer"}
}

func TestRegisterBroadcasterReplacesPrevious(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	b1ch := &fakeChannel{}
	b1, err := r.RegisterBroadcaster(b1ch)
	if err != nil {
		t.Fatalf("register first broadcaster: %v", err)
	}

	b2ch := &fakeChannel{}
	if _, err := r.RegisterBroadcaster(b2ch); err != nil {
		t.Fatalf("register second broadcaster: %v", err)
	}

	if !f.peer(0).isClosed() {
		t.Error("expected first broadcaster peer connection to be closed")
	}
	if f.peer(1).isClosed() {
		t.Error("second broadcaster peer connection should stay open")
	}

	// Closure of the replaced broadcaster's channel must not evict the new one.
	r.BroadcasterClosed(b1)
	if !r.Stats().Broadcasting {
		t.Error("stale channel closure evicted the new broadcaster")
	}
}

func TestRegisterBroadcasterPropagatesFactoryError(t *testing.T) {
	f := &fakeFactory{err: errors.New("no sockets")}
	r := NewRegistry(f, time.Minute, testLogger())

	if _, err := r.RegisterBroadcaster(&fakeChannel{}); err == nil {
		t.Fatal("expected error from factory")
	}
	if r.Stats().Broadcasting {
		t.Error("registry should be left without a broadcaster")
	}
}

func TestBroadcasterReservesRecvonlySlot(t *testing.T) {
	r, f := newTestRegistry(time.Minute)
	if _, err := r.RegisterBroadcaster(&fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	if got := f.peer(0).direction; got != webrtc.RTPTransceiverDirectionRecvonly {
		t.Errorf("broadcaster slot direction = %s, want recvonly", got)
	}
}

func TestBroadcasterAckIncludesViewerCount(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	if _, err := r.RegisterViewer("", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterViewer("", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	bch := &fakeChannel{}
	if _, err := r.RegisterBroadcaster(bch); err != nil {
		t.Fatal(err)
	}

	acks := bch.byType(signal.TypeRegistered)
	if len(acks) != 1 {
		t.Fatalf("expected 1 registered ack, got %d", len(acks))
	}
	if acks[0].ViewerCount == nil || *acks[0].ViewerCount != 2 {
		t.Errorf("registered ack viewerCount = %v, want 2", acks[0].ViewerCount)
	}
}

func TestRegisterViewerGeneratesID(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	ch := &fakeChannel{}
	vs, err := r.RegisterViewer("", ch)
	if err != nil {
		t.Fatal(err)
	}
	if vs.ID == "" {
		t.Fatal("expected a generated viewer id")
	}

	acks := ch.byType(signal.TypeRegistered)
	if len(acks) != 1 || acks[0].ViewerID != vs.ID {
		t.Errorf("registered ack should carry the generated id %q", vs.ID)
	}
	if got := f.peer(0).direction; got != webrtc.RTPTransceiverDirectionSendonly {
		t.Errorf("viewer slot direction = %s, want sendonly", got)
	}
}

func TestRegisterViewerReplacesSameID(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	if _, err := r.RegisterViewer("abc", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterViewer("abc", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	if got := r.Stats().Viewers; got != 1 {
		t.Errorf("viewer count = %d, want 1", got)
	}
	if !f.peer(0).isClosed() {
		t.Error("expected replaced viewer peer connection to be closed")
	}
}

func TestViewerWithoutBroadcasterGetsDisconnectNotice(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	ch := &fakeChannel{}
	if _, err := r.RegisterViewer("", ch); err != nil {
		t.Fatal(err)
	}

	msgs := ch.messages()
	if len(msgs) < 3 {
		t.Fatalf("expected registered, disconnect notice and offer, got %d messages", len(msgs))
	}
	if msgs[0].Type != signal.TypeRegistered {
		t.Errorf("first message = %s, want registered", msgs[0].Type)
	}
	if msgs[1].Type != signal.TypeBroadcasterDisconnected {
		t.Fatalf("second message = %s, want broadcasterDisconnected", msgs[1].Type)
	}
	if msgs[1].Permanent == nil || *msgs[1].Permanent {
		t.Error("disconnect notice should be non-permanent")
	}
	if msgs[2].Type != signal.TypeOffer {
		t.Errorf("third message = %s, want offer", msgs[2].Type)
	}
}

func TestViewerGetsOfferBeforeAnyTrack(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	if _, err := r.RegisterBroadcaster(&fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	vch := &fakeChannel{}
	if _, err := r.RegisterViewer("", vch); err != nil {
		t.Fatal(err)
	}

	if got := len(vch.byType(signal.TypeOffer)); got != 1 {
		t.Fatalf("viewer offers = %d, want 1", got)
	}
	if got := len(f.peer(1).replacedTracks()); got != 0 {
		t.Errorf("no substitution expected before a track exists, got %d", got)
	}
}

func TestViewerAttachOnRegisterWhenTrackLive(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	bs, err := r.RegisterBroadcaster(&fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	track := testTrack(t, "camera")
	r.setBroadcastTrack(bs, track)

	if _, err := r.RegisterViewer("", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	replaced := f.peer(1).replacedTracks()
	if len(replaced) != 1 || replaced[0] != track {
		t.Fatalf("expected the live track in the new slot, got %v", replaced)
	}
}

func TestSubstitutionDuringViewerRegistrationWins(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	bs, err := r.RegisterBroadcaster(&fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	first := testTrack(t, "first")
	r.setBroadcastTrack(bs, first)

	// A renewed track lands while the registration acks are still going
	// out. The viewer slot must end up on the newer track, not the handle
	// read when registration began.
	second := testTrack(t, "second")
	vch := &fakeChannel{}
	vch.sendHook = func(msg signal.Message) {
		if msg.Type == signal.TypeRegistered {
			r.setBroadcastTrack(bs, second)
		}
	}
	if _, err := r.RegisterViewer("viewer", vch); err != nil {
		t.Fatal(err)
	}

	replaced := f.peer(1).replacedTracks()
	if len(replaced) == 0 || replaced[len(replaced)-1] != second {
		t.Fatalf("viewer slot holds a superseded track, substitutions = %v", replaced)
	}
}

func TestTrackSubstitutionAfterNegotiation(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	bs, err := r.RegisterBroadcaster(&fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	vs, err := r.RegisterViewer("", &fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	if err := vs.HandleAnswer(answerSDP()); err != nil {
		t.Fatal(err)
	}

	peer := f.peer(1)
	offersBefore := peer.offerCount()

	track := testTrack(t, "camera")
	r.setBroadcastTrack(bs, track)

	replaced := peer.replacedTracks()
	if len(replaced) != 1 || replaced[0] != track {
		t.Fatalf("expected one substitution with the live track, got %v", replaced)
	}
	if peer.offerCount() != offersBefore {
		t.Error("substitution must not trigger a renegotiation offer")
	}
}

func TestTrackSubstitutionIdempotent(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	bs, err := r.RegisterBroadcaster(&fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	vs, err := r.RegisterViewer("", &fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	if err := vs.HandleAnswer(answerSDP()); err != nil {
		t.Fatal(err)
	}

	track := testTrack(t, "camera")
	r.setBroadcastTrack(bs, track)
	r.setBroadcastTrack(bs, track)

	if got := len(f.peer(1).replacedTracks()); got != 1 {
		t.Errorf("same handle substituted %d times, want 1", got)
	}
}

func TestBroadcasterReplacementClearsViewerSlots(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	bs, err := r.RegisterBroadcaster(&fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	vs, err := r.RegisterViewer("", &fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	if err := vs.HandleAnswer(answerSDP()); err != nil {
		t.Fatal(err)
	}
	r.setBroadcastTrack(bs, testTrack(t, "camera"))

	if _, err := r.RegisterBroadcaster(&fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	replaced := f.peer(1).replacedTracks()
	if len(replaced) != 2 || replaced[1] != nil {
		t.Fatalf("expected the slot to be emptied on replacement, got %v", replaced)
	}
}

func TestDisconnectNoticeSuppressedOnQuickReconnect(t *testing.T) {
	r, _ := newTestRegistry(60 * time.Millisecond)

	b1, err := r.RegisterBroadcaster(&fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	vch := &fakeChannel{}
	if _, err := r.RegisterViewer("", vch); err != nil {
		t.Fatal(err)
	}

	r.BroadcasterClosed(b1)

	b2ch := &fakeChannel{}
	if _, err := r.RegisterBroadcaster(b2ch); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)

	if got := len(vch.byType(signal.TypeBroadcasterDisconnected)); got != 0 {
		t.Errorf("viewer received %d disconnect notices across a quick reconnect, want 0", got)
	}

	acks := b2ch.byType(signal.TypeRegistered)
	if len(acks) != 1 || acks[0].ViewerCount == nil || *acks[0].ViewerCount != 1 {
		t.Error("new broadcaster should see the current roster size")
	}
}

func TestDisconnectNoticeAfterGraceExpires(t *testing.T) {
	r, _ := newTestRegistry(20 * time.Millisecond)

	b1, err := r.RegisterBroadcaster(&fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	vch := &fakeChannel{}
	if _, err := r.RegisterViewer("", vch); err != nil {
		t.Fatal(err)
	}

	r.BroadcasterClosed(b1)
	time.Sleep(100 * time.Millisecond)

	notices := vch.byType(signal.TypeBroadcasterDisconnected)
	if len(notices) != 1 {
		t.Fatalf("expected exactly 1 disconnect notice, got %d", len(notices))
	}
	if notices[0].Permanent == nil || *notices[0].Permanent {
		t.Error("grace-expiry notice should be non-permanent")
	}
	if got := r.Stats().Viewers; got != 1 {
		t.Errorf("notice must not tear viewers down, roster = %d", got)
	}
}

func TestBroadcasterFailureSendsSoftNotice(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	if _, err := r.RegisterBroadcaster(&fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	vch := &fakeChannel{}
	if _, err := r.RegisterViewer("", vch); err != nil {
		t.Fatal(err)
	}

	f.peer(0).onConnState(webrtc.PeerConnectionStateFailed)

	notices := vch.byType(signal.TypeBroadcasterDisconnected)
	if len(notices) != 1 || notices[0].Permanent == nil || *notices[0].Permanent {
		t.Fatalf("expected one non-permanent notice, got %v", notices)
	}
	if !r.Stats().Broadcasting {
		t.Error("failed transport must not tear the broadcaster down")
	}
}

func TestViewerCountNotifications(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	bch := &fakeChannel{}
	if _, err := r.RegisterBroadcaster(bch); err != nil {
		t.Fatal(err)
	}
	vs, err := r.RegisterViewer("a", &fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterViewer("b", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	r.RemoveViewer(vs.ID)

	var counts []int
	for _, m := range bch.byType(signal.TypeViewerCount) {
		if m.Count != nil {
			counts = append(counts, *m.Count)
		}
	}
	want := []int{1, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("viewer count notifications = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("viewer count notifications = %v, want %v", counts, want)
		}
	}
}

func TestViewerClosedIgnoresStaleSession(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	vs1, err := r.RegisterViewer("x", &fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterViewer("x", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	r.ViewerClosed(vs1)

	if got := r.Stats().Viewers; got != 1 {
		t.Errorf("stale closure removed the replacement session, roster = %d", got)
	}
}

func TestRemoveViewerIdempotent(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	vs, err := r.RegisterViewer("", &fakeChannel{})
	if err != nil {
		t.Fatal(err)
	}
	r.RemoveViewer(vs.ID)
	r.RemoveViewer(vs.ID)

	if got := r.Stats().Viewers; got != 0 {
		t.Errorf("roster = %d, want 0", got)
	}
}

func TestShutdownNotifiesPermanentAndReleasesAll(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	if _, err := r.RegisterBroadcaster(&fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	v1ch := &fakeChannel{}
	v2ch := &fakeChannel{}
	if _, err := r.RegisterViewer("", v1ch); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterViewer("", v2ch); err != nil {
		t.Fatal(err)
	}

	r.Shutdown()

	for _, ch := range []*fakeChannel{v1ch, v2ch} {
		notices := ch.byType(signal.TypeBroadcasterDisconnected)
		if len(notices) != 1 || notices[0].Permanent == nil || !*notices[0].Permanent {
			t.Fatalf("expected one permanent notice, got %v", notices)
		}
	}
	for i := 0; i < 3; i++ {
		if !f.peer(i).isClosed() {
			t.Errorf("peer %d not closed after shutdown", i)
		}
	}
	stats := r.Stats()
	if stats.Broadcasting || stats.Viewers != 0 {
		t.Errorf("registry not empty after shutdown: %+v", stats)
	}
}

func TestViewerConnectionFailureRemovesSession(t *testing.T) {
	r, f := newTestRegistry(time.Minute)

	if _, err := r.RegisterViewer("", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	f.peer(0).onConnState(webrtc.PeerConnectionStateFailed)

	if got := r.Stats().Viewers; got != 0 {
		t.Errorf("roster = %d after connection failure, want 0", got)
	}
	if !f.peer(0).isClosed() {
		t.Error("viewer peer connection should be closed")
	}
}
