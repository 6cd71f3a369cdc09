package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Options configures the shared pion API from which every peer connection is
// built.
type Options struct {
	ICEServers []webrtc.ICEServer

	// Ephemeral UDP port range for ICE. Ignored unless both bounds are valid.
	MinUDPPort int
	MaxUDPPort int

	// PLIInterval is how often a picture-loss indication is sent upstream so
	// late-joining viewers get a keyframe. Zero disables it.
	PLIInterval time.Duration
}

// Engine builds peer connections off a single configured webrtc.API.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *logrus.Entry
}

// NewEngine assembles the media engine, interceptor registry and setting
// engine once, so every session negotiates with the same capabilities.
func NewEngine(opts Options, log *logrus.Entry) (*Engine, error) {
	settingEngine := webrtc.SettingEngine{}
	if opts.MinUDPPort > 0 && opts.MaxUDPPort >= opts.MinUDPPort && opts.MaxUDPPort <= 65535 {
		if err := settingEngine.SetEphemeralUDPPortRange(uint16(opts.MinUDPPort), uint16(opts.MaxUDPPort)); err != nil {
			log.Warnf("failed setting UDP port range (%d-%d): %v", opts.MinUDPPort, opts.MaxUDPPort, err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	if opts.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(
			intervalpli.GeneratorInterval(opts.PLIInterval),
		)
		if err != nil {
			return nil, fmt.Errorf("create PLI interceptor: %w", err)
		}
		registry.Add(pli)
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
		config: webrtc.Configuration{ICEServers: opts.ICEServers},
		log:    log,
	}, nil
}

// NewPeerConnection creates a connection with no slots reserved yet.
func (e *Engine) NewPeerConnection() (PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc, log: e.log}, nil
}
