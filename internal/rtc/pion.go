package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Config carries peer-transport settings.
type Config struct {
	STUNServers []string
}

// NewStack builds the platform media stack: a Factory producing one
// PeerConnection-backed Transport per call attempt, and the local media
// Capture sharing its codec configuration.
func NewStack(cfg Config, logger *zap.Logger) (Factory, Capture) {
	engineFn, capture := newMediaComponents(logger)
	factory := func() (Transport, error) {
		return newPionTransport(cfg, engineFn, logger)
	}
	return factory, capture
}

type pionTransport struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu          sync.Mutex
	onCandidate func(Candidate)
	onTrack     func(TrackKind)
	onState     func(ConnectionState)
}

func newPionTransport(cfg Config, engineFn func() (*webrtc.MediaEngine, error), logger *zap.Logger) (*pionTransport, error) {
	mediaEngine, err := engineFn()
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &pionTransport{pc: pc, logger: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		init := c.ToJSON()
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(Candidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := TrackAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = TrackVideo
		}
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(kind)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	return t, nil
}

func (t *pionTransport) AddTrack(track LocalTrack) error {
	if track.Source == nil {
		return fmt.Errorf("track %q has no source", track.Kind)
	}
	if _, err := t.pc.AddTrack(track.Source); err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind, err)
	}
	return nil
}

func (t *pionTransport) CreateOffer(_ context.Context) (SessionDescription, error) {
	t.ensureMediaLines()
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *pionTransport) CreateAnswer(_ context.Context) (SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ensureMediaLines adds recvonly transceivers when no track was captured,
// so the offer still carries valid m-lines with ICE credentials.
func (t *pionTransport) ensureMediaLines() {
	if len(t.pc.GetTransceivers()) > 0 {
		return
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.logger.Warn("add recvonly transceiver failed",
				zap.String("kind", kind.String()), zap.Error(err))
		}
	}
}

func (t *pionTransport) SetLocalDescription(desc SessionDescription) error {
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (t *pionTransport) SetRemoteDescription(desc SessionDescription) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddCandidate(c Candidate) error {
	if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) ReplaceVideoTrack(track LocalTrack) error {
	if track.Source == nil {
		return fmt.Errorf("track %q has no source", track.Kind)
	}
	for _, sender := range t.pc.GetSenders() {
		cur := sender.Track()
		if cur != nil && cur.Kind() == webrtc.RTPCodecTypeVideo {
			if err := sender.ReplaceTrack(track.Source); err != nil {
				return fmt.Errorf("replace video track: %w", err)
			}
			return nil
		}
	}
	return ErrNoVideoSender
}

func (t *pionTransport) OnCandidate(fn func(Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnTrack(fn func(TrackKind)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *pionTransport) ConnectionState() ConnectionState {
	return mapState(t.pc.ConnectionState())
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

func mapState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
