package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ayobaapps/bgm-recorder/internal/capture"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/mixer"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	"github.com/ayobaapps/bgm-recorder/internal/recorder"
	"github.com/ayobaapps/bgm-recorder/internal/session"
)

// Capture is the outcome of preparing a capture request.
type Capture struct {
	Source session.CaptureSource
	// Answer is the SDP answer when the source is a peer connection.
	Answer string
	// Monitor plays the background track back to the user, if possible.
	Monitor mixer.Monitor
	// Peer reports connection state changes, if the source has any.
	Peer   Peer
	Closer io.Closer
}

type Peer interface {
	OnStateChange(fn func(capture.ConnectionState))
}

// Backend creates the subsystems a session drives.
type Backend interface {
	Capture(ctx context.Context, req *events.RequestCapture) (*Capture, error)
	Mixer(ctx context.Context, monitor mixer.Monitor) session.Mixer
	Sink() session.RecorderSink
}

var (
	ErrOfferRequired   = errors.New("sdp offer required by the webrtc capture source")
	ErrOfferNotAllowed = errors.New("sdp offer given but capture source is not webrtc")
)

type backend struct {
	cfg *config.Config
}

func NewBackend(cfg *config.Config) Backend {
	return &backend{cfg: cfg}
}

func (b *backend) Capture(ctx context.Context, req *events.RequestCapture) (*Capture, error) {
	queue := b.cfg.Recorder.SampleQueueSize
	timeout := b.cfg.Capture.PermissionTimeout

	switch b.cfg.Capture.Source {
	case "file":
		if req.SDP != nil {
			return nil, ErrOfferNotAllowed
		}
		src := capture.NewFileSource(ctx, b.cfg.Capture.File, queue)
		return &Capture{Source: capture.WithPermissionTimeout(src, timeout)}, nil

	case "webrtc":
		if req.GetSDP() == "" {
			return nil, ErrOfferRequired
		}
		if err := capture.ValidateOffer(req.GetSDP()); err != nil {
			return nil, err
		}
		peer, err := capture.NewWebRTCSource(ctx, b.cfg.Capture.WebRTC, queue)
		if err != nil {
			return nil, err
		}
		answer, err := peer.Negotiate(req.GetSDP())
		if err != nil {
			_ = peer.Close()
			return nil, err
		}
		return &Capture{
			Source:  capture.WithPermissionTimeout(peer, timeout),
			Answer:  answer,
			Monitor: peer.Monitor(),
			Peer:    peer,
			Closer:  peer,
		}, nil

	default:
		return nil, fmt.Errorf("unknown capture source '%s'", b.cfg.Capture.Source)
	}
}

func (b *backend) Mixer(ctx context.Context, monitor mixer.Monitor) session.Mixer {
	return mixer.New(ctx, b.cfg.Mixer, monitor)
}

func (b *backend) Sink() session.RecorderSink {
	return recorder.NewWebmSink(b.cfg.Recorder)
}

// sourceSlot lets a session swap its capture source between capture
// requests, e.g. a new peer connection after the previous one failed.
type sourceSlot struct {
	mu  sync.Mutex
	src session.CaptureSource
}

func (s *sourceSlot) set(src session.CaptureSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
}

func (s *sourceSlot) RequestStream(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src == nil {
		return nil, fmt.Errorf("%w: no capture source", session.ErrDeviceUnavailable)
	}
	return src.RequestStream(ctx, c)
}

// monitorSlot follows the current peer's monitor output. Samples are
// dropped while there is none.
type monitorSlot struct {
	mu      sync.Mutex
	monitor mixer.Monitor
}

func (m *monitorSlot) set(monitor mixer.Monitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor = monitor
}

func (m *monitorSlot) WriteSample(s media.Sample) error {
	m.mu.Lock()
	monitor := m.monitor
	m.mu.Unlock()
	if monitor == nil {
		return nil
	}
	return monitor.WriteSample(s)
}
