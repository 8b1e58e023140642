package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/catalog"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/mixer"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock PubSub
type mockPubSub struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *mockPubSub) Publish(channel string, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}
func (p *mockPubSub) Subscribe(channel string, handler pubsub.PubSubHandler, onStart func() error) error {
	return nil
}
func (p *mockPubSub) Check() error { return nil }
func (p *mockPubSub) Close() error { return nil }

var _ pubsub.PubSub = (*mockPubSub)(nil)

// published returns the decoded messages with the given id.
func (p *mockPubSub) published(id string) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, m := range p.messages {
		if e := events.Decode(m); e.Id == id {
			out = append(out, e)
		}
	}
	return out
}

type fakeSource struct {
	err error
}

func (f *fakeSource) RequestStream(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return media.NewStream(
		media.NewSampleTrack("mic", media.CodecOpus, media.TrackSettings{}, 1),
		media.NewSampleTrack("cam", media.CodecVP8, media.TrackSettings{Width: 640, Height: 480}, 1),
	), nil
}

type fakeNode struct{}

func (n *fakeNode) Connect(ctx context.Context, e catalog.Entry) (media.Track, error) {
	return media.NewSampleTrack("bgm-"+e.ID, media.CodecOpus, media.TrackSettings{}, 1), nil
}
func (n *fakeNode) Play() error  { return nil }
func (n *fakeNode) Stop()        {}
func (n *fakeNode) Close() error { return nil }

type fakeMixer struct{}

func (m *fakeMixer) NewNode() (session.Node, error) { return &fakeNode{}, nil }

type fakeRecording struct {
	chunks   chan []byte
	pending  [][]byte
	stopOnce sync.Once
}

func (r *fakeRecording) Chunks() <-chan []byte { return r.chunks }
func (r *fakeRecording) Err() error            { return nil }

func (r *fakeRecording) Stop() {
	r.stopOnce.Do(func() {
		go func() {
			for _, c := range r.pending {
				r.chunks <- c
			}
			close(r.chunks)
		}()
	})
}

type fakeSink struct{}

func (s *fakeSink) IsFormatSupported(f media.Format) bool {
	return f == media.FormatWebmVP8Opus || f == media.FormatWebmVP9Opus
}

func (s *fakeSink) Start(ctx context.Context, stream *media.Stream, f media.Format) (session.Recording, error) {
	return &fakeRecording{
		chunks:  make(chan []byte),
		pending: [][]byte{[]byte("chunk-1,"), []byte("chunk-2")},
	}, nil
}

type fakeBackend struct {
	mu       sync.Mutex
	source   *fakeSource
	answer   string
	err      error
	captures int
}

func (b *fakeBackend) Capture(ctx context.Context, req *events.RequestCapture) (*Capture, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captures++
	if b.err != nil {
		return nil, b.err
	}
	c := &Capture{Source: b.source}
	if req.SDP != nil {
		c.Answer = b.answer
	}
	return c, nil
}

func (b *fakeBackend) Mixer(ctx context.Context, monitor mixer.Monitor) session.Mixer {
	return &fakeMixer{}
}

func (b *fakeBackend) Sink() session.RecorderSink {
	return &fakeSink{}
}

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{}
	cfg.App.Version = "test"
	cfg.App.InstanceId = "instance-1"
	cfg.Recorder = config.Recorder{
		Directory:   t.TempDir(),
		DirFileMode: "0700",
		FileMode:    "0600",
		StopTimeout: 2 * time.Second,
	}
	cfg.Export = config.Export{FileName: "take", MediaBaseURL: "/media"}
	cfg.Bridge.Host = "none"
	cfg.PubSub.Channels = config.Channels{Subscribe: "to-app", Publish: "from-app"}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *mockPubSub, *fakeBackend) {
	cat, err := catalog.New(
		catalog.Entry{ID: "alegria", Name: "Alegria", URL: "/tracks/alegria.ogg"},
		catalog.Entry{ID: "calma", Name: "Calma", URL: "/tracks/calma.ogg"},
	)
	require.NoError(t, err)

	ps := &mockPubSub{}
	b := &fakeBackend{source: &fakeSource{}, answer: "v=0 answer"}
	s := NewServer(cfg, ps, cat, b)
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s, ps, b
}

func call(t *testing.T, s *Server, msg string) Result {
	t.Helper()
	reply := make(chan Result, 1)
	s.Handle(context.Background(), events.Decode([]byte(msg)), reply)
	select {
	case res := <-reply:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("no response to %s", msg)
	}
	return Result{}
}

func TestServer_RecordingLifecycle(t *testing.T) {
	cfg := testConfig(t)
	s, ps, _ := newTestServer(t, cfg)

	res := call(t, s, `{id: 'requestCapture', sessionId: 's1', constraints: {width: 640, height: 480}}`)
	require.NoError(t, res.Err)
	capture, ok := res.Message.(*events.CaptureResponse)
	require.True(t, ok)
	assert.Equal(t, events.StatusOK, capture.Status)
	assert.Nil(t, capture.SDP)
	assert.Equal(t, []string{"video/webm;codecs=vp9,opus", "video/webm;codecs=vp8,opus"}, capture.Formats)
	assert.Equal(t, []string{"alegria", "calma"}, capture.Tracks)

	for _, msg := range []string{
		`{id: 'selectFormat', sessionId: 's1', format: 'video/webm;codecs=vp8,opus'}`,
		`{id: 'selectTrack', sessionId: 's1', trackId: 'calma'}`,
		`{id: 'startRecording', sessionId: 's1'}`,
		`{id: 'stopRecording', sessionId: 's1'}`,
	} {
		res := call(t, s, msg)
		require.NoError(t, res.Err, msg)
		assert.Equal(t, events.StatusOK, res.Message.(*events.CommandResponse).Status, msg)
	}

	stopped := ps.published(events.RecordingStoppedKey)
	require.Len(t, stopped, 1)

	res = call(t, s, `{id: 'exportRecording', sessionId: 's1', mode: 'download'}`)
	require.NoError(t, res.Err)
	exported := res.Message.(*events.RecordingExported)
	require.NotNil(t, exported.URL)
	assert.True(t, strings.HasPrefix(*exported.URL, "/media/take-"), *exported.URL)

	data, err := os.ReadFile(filepath.Join(cfg.Recorder.Directory, strings.TrimPrefix(*exported.URL, "/media/")))
	require.NoError(t, err)
	assert.Equal(t, "chunk-1,chunk-2", string(data))

	sess, ok := s.getSession("s1")
	require.True(t, ok)
	assert.Equal(t, session.StateExported, sess.Info().State)

	res = call(t, s, `{id: 'reenter', sessionId: 's1'}`)
	require.NoError(t, res.Err)
	assert.Equal(t, session.StateReady, sess.Info().State)

	var states []string
	for _, e := range ps.published(events.SessionStateChangedKey) {
		states = append(states, e.SessionStateChanged().State)
	}
	assert.Equal(t, []string{"awaiting-permission", "ready", "recording", "stopped", "exported", "ready"}, states)

	res = call(t, s, `{id: 'closeSession', sessionId: 's1'}`)
	require.NoError(t, res.Err)
	_, ok = s.getSession("s1")
	assert.False(t, ok)
}

func TestServer_CommandErrors(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig(t))

	res := call(t, s, `{id: 'startRecording', sessionId: 'missing'}`)
	assert.ErrorIs(t, res.Err, ErrSessionNotFound)
	assert.Equal(t, events.StatusFailed, res.Message.(*events.CommandResponse).Status)

	res = call(t, s, `{id: 'requestCapture', constraints: {width: 640, height: 480}}`)
	assert.ErrorIs(t, res.Err, events.ErrMissingSessionId)

	res = call(t, s, `{id: 'requestCapture', sessionId: 's1'}`)
	require.NoError(t, res.Err)

	res = call(t, s, `{id: 'startRecording', sessionId: 's1'}`)
	assert.ErrorIs(t, res.Err, session.ErrNoFormatSelected)

	res = call(t, s, `{id: 'selectTrack', sessionId: 's1', trackId: 'unknown'}`)
	assert.ErrorIs(t, res.Err, session.ErrUnknownTrack)

	res = call(t, s, `{id: 'selectFormat', sessionId: 's1', format: 'video/mp4;codecs=h264,aac'}`)
	assert.ErrorIs(t, res.Err, session.ErrUnsupportedFormat)

	res = call(t, s, `{id: 'requestCapture', sessionId: 's1'}`)
	assert.ErrorIs(t, res.Err, session.ErrInvalidState, "capture is granted once")

	res = call(t, s, `{id: 'exportRecording', sessionId: 's1', mode: 'download'}`)
	assert.ErrorIs(t, res.Err, session.ErrInvalidState)
	assert.Equal(t, events.StatusFailed, res.Message.(*events.RecordingExported).Status)
}

func TestServer_CaptureFailure(t *testing.T) {
	s, ps, b := newTestServer(t, testConfig(t))
	b.source.err = fmt.Errorf("%w: no camera", session.ErrDeviceUnavailable)

	res := call(t, s, `{id: 'requestCapture', sessionId: 's1'}`)
	assert.ErrorIs(t, res.Err, session.ErrDeviceUnavailable)

	sess, ok := s.getSession("s1")
	require.True(t, ok)
	assert.Equal(t, session.StateError, sess.Info().State)
	assert.Contains(t, sess.Info().Status, "no camera")

	changes := ps.published(events.SessionStateChangedKey)
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1].SessionStateChanged()
	assert.Equal(t, "error", last.State)
	require.NotNil(t, last.Status)

	b.source.err = nil
	res = call(t, s, `{id: 'requestCapture', sessionId: 's1'}`)
	require.NoError(t, res.Err, "capture can be retried after an error")
	assert.Equal(t, 2, b.captures)

	b.err = errors.New("peer setup failed")
	res = call(t, s, `{id: 'requestCapture', sessionId: 's2', sdp: 'v=0'}`)
	assert.EqualError(t, res.Err, "peer setup failed")
}

func TestServer_OfferIsAnsweredFirst(t *testing.T) {
	s, ps, _ := newTestServer(t, testConfig(t))

	res := call(t, s, `{id: 'requestCapture', sessionId: 's1', sdp: 'v=0 offer'}`)
	require.NoError(t, res.Err)
	answer := res.Message.(*events.CaptureResponse)
	require.NotNil(t, answer.SDP)
	assert.Equal(t, "v=0 answer", *answer.SDP)
	assert.Empty(t, answer.Formats)

	require.Eventually(t, func() bool {
		return len(ps.published(events.CaptureResponseKey)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	ready := ps.published(events.CaptureResponseKey)[1].CaptureResponse()
	assert.Nil(t, ready.SDP)
	assert.NotEmpty(t, ready.Formats)
}

func TestServer_DoubleClose(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig(t))

	require.NoError(t, call(t, s, `{id: 'requestCapture', sessionId: 's1'}`).Err)
	sess, ok := s.getSession("s1")
	require.True(t, ok)

	require.NoError(t, call(t, s, `{id: 'closeSession', sessionId: 's1'}`).Err)
	assert.ErrorIs(t, call(t, s, `{id: 'closeSession', sessionId: 's1'}`).Err, ErrSessionNotFound)

	assert.NotPanics(t, func() {
		err := sess.Enqueue(&command{event: &events.SessionCommand{Id: events.CloseSessionKey, SessionId: "s1"}})
		assert.ErrorIs(t, err, session.ErrClosed)
	})
}

func TestServer_RecorderStatus(t *testing.T) {
	s, ps, _ := newTestServer(t, testConfig(t))

	require.NoError(t, s.OnStart())
	require.NoError(t, call(t, s, `{id: 'requestCapture', sessionId: 's1'}`).Err)

	res := call(t, s, `{id: 'getRecorderStatus'}`)
	status := res.Message.(*events.RecorderStatus)
	assert.Equal(t, "test", status.AppVersion)
	assert.Equal(t, "instance-1", status.InstanceId)
	assert.Equal(t, 1, status.Sessions)
	assert.Len(t, ps.published(events.RecorderStatusKey), 2)
}

func TestServer_InvalidMessagesAreIgnored(t *testing.T) {
	s, ps, _ := newTestServer(t, testConfig(t))

	s.HandlePubSub(context.Background(), []byte(`not json`))
	s.HandlePubSub(context.Background(), []byte(`{sessionId: 's1'}`))
	s.HandlePubSub(context.Background(), []byte(`{id: 'somethingElse', sessionId: 's1'}`))

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Empty(t, ps.messages)
}

func TestServer_BridgeHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Host = "pubsub"
	s, ps, _ := newTestServer(t, cfg)

	s.HandlePubSub(context.Background(), []byte(`{id: 'hostProfile', country: 'ZA', msisdn: '+27820000000', canSendMessage: true, language: 'zu'}`))
	require.NoError(t, call(t, s, `{id: 'requestCapture', sessionId: 's1'}`).Err)

	sess, ok := s.getSession("s1")
	require.True(t, ok)
	assert.True(t, sess.Info().HasHost)
	assert.Equal(t, "ZA", sess.bridge.Country(), "profile received before the session applies")

	s.HandlePubSub(context.Background(), []byte(`{id: 'bridgeCallback', sessionId: 's1', method: 'onPresenceChanged', args: ['online']}`))
	s.HandlePubSub(context.Background(), []byte(`{id: 'bridgeCallback', method: 'onLocationChanged', args: [-26.2, 28.04]}`))
	st := sess.Info().Bridge
	assert.Equal(t, "online", st.Presence)
	require.NotNil(t, st.Location)
	assert.Equal(t, 28.04, st.Location.Lon)

	for _, msg := range []string{
		`{id: 'selectFormat', sessionId: 's1', format: 'video/webm;codecs=vp8,opus'}`,
		`{id: 'startRecording', sessionId: 's1'}`,
		`{id: 'stopRecording', sessionId: 's1'}`,
	} {
		require.NoError(t, call(t, s, msg).Err, msg)
	}

	res := call(t, s, `{id: 'exportRecording', sessionId: 's1', mode: 'share', title: 'My take', text: 'listen'}`)
	require.NoError(t, res.Err)
	url := *res.Message.(*events.RecordingExported).URL

	calls := ps.published(events.BridgeCallKey)
	require.Len(t, calls, 2)
	sent := calls[0].BridgeCall()
	assert.Equal(t, "sendMedia", sent.Method)
	assert.Equal(t, []interface{}{url, "video/webm"}, sent.Args)
	assert.Equal(t, "composeMessage", calls[1].BridgeCall().Method)
}

func TestServer_BridgeDetection(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Host = "pubsub"
	s, ps, _ := newTestServer(t, cfg)

	require.NoError(t, call(t, s, `{id: 'requestCapture', sessionId: 'ios', userAgent: 'Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)'}`).Err)
	sess, _ := s.getSession("ios")
	assert.False(t, sess.Info().HasHost)

	for _, msg := range []string{
		`{id: 'selectFormat', sessionId: 'ios', format: 'video/webm;codecs=vp8,opus'}`,
		`{id: 'startRecording', sessionId: 'ios'}`,
		`{id: 'stopRecording', sessionId: 'ios'}`,
		`{id: 'exportRecording', sessionId: 'ios', mode: 'share', title: 't'}`,
	} {
		require.NoError(t, call(t, s, msg).Err, msg)
	}
	assert.Empty(t, ps.published(events.BridgeCallKey))
	shared := ps.published(events.RecordingSharedKey)
	require.Len(t, shared, 1, "without a host the share goes to the pubsub channel")

	require.NoError(t, call(t, s, `{id: 'requestCapture', sessionId: 'android', userAgent: 'Mozilla/5.0 (Linux; Android 13)'}`).Err)
	sess, _ = s.getSession("android")
	assert.True(t, sess.Info().HasHost)
}

func TestServer_ConcurrentSessionCreation(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig(t))

	first := s.storeSession(NewSession("s1", s, "", ""))
	loser := NewSession("s1", s, "", "")
	assert.Same(t, first, s.storeSession(loser))

	select {
	case <-loser.ctx.Done():
	default:
		t.Fatal("discarded session was not cancelled")
	}
	assert.NoError(t, first.ctx.Err())

	got, ok := s.getSession("s1")
	require.True(t, ok)
	assert.Same(t, first, got)
}
