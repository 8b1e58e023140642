package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/jech/samplebuilder"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	log "github.com/sirupsen/logrus"
)

var _ session.CaptureSource = (*WebRTCSource)(nil)

var ErrAlreadyNegotiated = errors.New("peer connection already negotiated")

// WebRTCSource receives the user's camera and microphone from a browser
// peer connection and sends the background track back for monitoring.
type WebRTCSource struct {
	ctx    context.Context
	cfg    config.WebRTC
	queue  int
	logger *log.Entry

	monitor *webrtc.TrackLocalStaticSample

	m            sync.Mutex
	pc           *webrtc.PeerConnection
	audio, video *media.SampleTrack
	state        ConnectionState
	onState      func(ConnectionState)
	constraints  media.Constraints

	ready     chan struct{}
	readyOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
}

func NewWebRTCSource(ctx context.Context, cfg config.WebRTC, queue int) (*WebRTCSource, error) {
	if queue <= 0 {
		queue = 16
	}
	monitor, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  2,
	}, "bgm", "bgm-monitor")
	if err != nil {
		return nil, fmt.Errorf("monitor track: %w", err)
	}
	return &WebRTCSource{
		ctx:     ctx,
		cfg:     cfg,
		queue:   queue,
		logger:  log.WithField("session", ctx.Value("session")),
		monitor: monitor,
		ready:   make(chan struct{}),
		failed:  make(chan struct{}),
	}, nil
}

// OnStateChange registers fn to be called on every connection state change.
func (s *WebRTCSource) OnStateChange(fn func(ConnectionState)) {
	s.m.Lock()
	defer s.m.Unlock()
	s.onState = fn
}

func (s *WebRTCSource) State() ConnectionState {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

// ValidateOffer checks that an SDP offer carries both an audio and a video
// section.
func ValidateOffer(offer string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return fmt.Errorf("invalid sdp offer: %w", err)
	}
	var audio, video bool
	for _, md := range desc.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio":
			audio = true
		case "video":
			video = true
		}
	}
	if !audio || !video {
		return fmt.Errorf("%w: sdp offer needs audio and video, got audio=%t video=%t",
			session.ErrUnsupportedConfiguration, audio, video)
	}
	return nil
}

func (s *WebRTCSource) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}

	videoFeedback := []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}}
	for _, c := range []struct {
		params webrtc.RTPCodecParameters
		typ    webrtc.RTPCodecType
	}{
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
			PayloadType:        96,
		}, webrtc.RTPCodecTypeVideo},
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: videoFeedback},
			PayloadType:        98,
		}, webrtc.RTPCodecTypeVideo},
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
			PayloadType:        111,
		}, webrtc.RTPCodecTypeAudio},
	} {
		if err := m.RegisterCodec(c.params, c.typ); err != nil {
			return nil, err
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetSRTPReplayProtectionWindow(1024)
	if s.cfg.RTCMinPort > 0 && s.cfg.RTCMaxPort >= s.cfg.RTCMinPort {
		if err := se.SetEphemeralUDPPortRange(s.cfg.RTCMinPort, s.cfg.RTCMaxPort); err != nil {
			return nil, err
		}
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(se)), nil
}

// Negotiate answers the browser's offer. ICE gathering completes before the
// answer is returned since only one signaling message is exchanged.
func (s *WebRTCSource) Negotiate(offer string) (string, error) {
	if err := ValidateOffer(offer); err != nil {
		return "", err
	}

	s.m.Lock()
	if s.pc != nil {
		s.m.Unlock()
		return "", ErrAlreadyNegotiated
	}
	api, err := s.newAPI()
	if err != nil {
		s.m.Unlock()
		return "", fmt.Errorf("webrtc api: %w", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   s.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		s.m.Unlock()
		return "", fmt.Errorf("peer connection: %w", err)
	}
	s.pc = pc
	s.m.Unlock()

	pc.OnTrack(s.handleTrack)
	pc.OnConnectionStateChange(s.handleConnectionState)

	if err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", s.abort(fmt.Errorf("set remote description: %w", err))
	}

	sender, err := pc.AddTrack(s.monitor)
	if err != nil {
		return "", s.abort(fmt.Errorf("add monitor track: %w", err))
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", s.abort(fmt.Errorf("create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(answer); err != nil {
		return "", s.abort(fmt.Errorf("set local description: %w", err))
	}
	<-gatherComplete

	return pc.LocalDescription().SDP, nil
}

func (s *WebRTCSource) abort(err error) error {
	s.logger.Error(err)
	s.fail()
	_ = s.Close()
	return err
}

func (s *WebRTCSource) fail() {
	s.failOnce.Do(func() { close(s.failed) })
}

func (s *WebRTCSource) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Infof("webrtc connection state changed: %s", state.String())

	normalized := peerConnectionState(state)
	s.m.Lock()
	s.state = normalized
	onState := s.onState
	s.m.Unlock()

	if normalized.IsTerminalState() {
		s.fail()
		_ = s.Close()
	}
	if onState != nil {
		onState(normalized)
	}
}

func remoteCodec(mimeType string) (media.Codec, rtp.Depacketizer) {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return media.CodecVP8, &codecs.VP8Packet{}
	case strings.ToLower(webrtc.MimeTypeVP9):
		return media.CodecVP9, &codecs.VP9Packet{}
	case strings.ToLower(webrtc.MimeTypeOpus):
		return media.CodecOpus, &codecs.OpusPacket{}
	default:
		return media.CodecUnknown, nil
	}
}

func (s *WebRTCSource) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	params := remote.Codec()
	codec, depacketizer := remoteCodec(params.MimeType)
	if depacketizer == nil {
		s.logger.Warnf("ignoring %s track with codec %s", remote.Kind(), params.MimeType)
		return
	}

	s.m.Lock()
	settings := media.TrackSettings{
		Width:            s.constraints.Width,
		Height:           s.constraints.Height,
		EchoCancellation: s.constraints.EchoCancellation,
	}
	if codec.Kind() == media.KindAudio {
		settings = media.TrackSettings{
			SampleRate:       params.ClockRate,
			Channels:         params.Channels,
			EchoCancellation: s.constraints.EchoCancellation,
		}
	}
	track := media.NewSampleTrack(remote.ID(), codec, settings, s.queue)
	if codec.Kind() == media.KindAudio {
		s.audio = track
	} else {
		s.video = track
	}
	complete := s.audio != nil && s.video != nil
	s.m.Unlock()

	if complete {
		s.readyOnce.Do(func() { close(s.ready) })
	}

	s.logger.Infof("%s (%d) track started", params.MimeType, remote.PayloadType())
	if codec.Kind() == media.KindVideo {
		go s.requestKeyFrames(remote, track)
	}

	maxLate := s.cfg.JitterBuffer
	if maxLate == 0 {
		maxLate = 512
	}
	sb := samplebuilder.New(maxLate, depacketizer, params.ClockRate)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Infof("%s track stopped", params.MimeType)
			} else {
				s.logger.Error(err)
			}
			track.Stop()
			return
		}

		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			if sample.PrevDroppedPackets > 0 {
				s.logger.Debugf("%s track dropped %d packets", params.MimeType, sample.PrevDroppedPackets)
			}
			keyFrame := codec.Kind() == media.KindAudio || media.IsKeyFrame(codec, sample.Data)
			track.Offer(media.Sample{Data: sample.Data, Duration: sample.Duration, KeyFrame: keyFrame})
		}
	}
}

// requestKeyFrames sends a PLI on an interval so the publisher keeps pushing
// keyframes a new take can start from. Consumers of the track can ask for
// one immediately.
func (s *WebRTCSource) requestKeyFrames(remote *webrtc.TrackRemote, track *media.SampleTrack) {
	interval := s.cfg.PLIInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	requests := make(chan struct{}, 1)
	track.OnKeyframeRequest(func() {
		select {
		case requests <- struct{}{}:
		default:
		}
	})

	for {
		select {
		case <-track.Done():
			return
		case <-s.failed:
			return
		case <-requests:
			s.logger.Debug("keyframe requested")
		case <-ticker.C:
		}

		s.m.Lock()
		pc := s.pc
		s.m.Unlock()
		if pc == nil {
			return
		}
		if err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		}); err != nil {
			s.logger.Error(err)
		}
	}
}

// RequestStream waits until the browser's camera and microphone tracks have
// arrived. A peer connection that fails first counts as denied.
func (s *WebRTCSource) RequestStream(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	s.m.Lock()
	s.constraints = c
	s.m.Unlock()

	select {
	case <-s.ready:
	case <-s.failed:
		return nil, fmt.Errorf("%w: peer connection closed before media arrived", session.ErrPermissionDenied)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.m.Lock()
	defer s.m.Unlock()
	return media.NewStream(s.audio, s.video), nil
}

// Monitor returns the output the background track is played to.
func (s *WebRTCSource) Monitor() *MonitorOutput {
	return &MonitorOutput{track: s.monitor}
}

func (s *WebRTCSource) Close() error {
	s.m.Lock()
	pc := s.pc
	audio, video := s.audio, s.video
	s.m.Unlock()

	for _, t := range []*media.SampleTrack{audio, video} {
		if t != nil {
			t.Stop()
		}
	}
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// MonitorOutput writes background audio samples to the peer.
type MonitorOutput struct {
	track *webrtc.TrackLocalStaticSample
}

func (o *MonitorOutput) WriteSample(s media.Sample) error {
	return o.track.WriteSample(pionmedia.Sample{Data: s.Data, Duration: s.Duration})
}
