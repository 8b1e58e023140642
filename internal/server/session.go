package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	"github.com/ayobaapps/bgm-recorder/internal/bridge"
	"github.com/ayobaapps/bgm-recorder/internal/capture"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/export"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	log "github.com/sirupsen/logrus"
)

// Result is the first response to a queued command.
type Result struct {
	Message interface{}
	Err     error
}

type command struct {
	event     interface{}
	reply     chan<- Result
	startTime time.Time
	// reason is reported in recordingStopped for stops the recorder starts
	// itself.
	reason string
	// silent commands publish no command response.
	silent  bool
	replied bool
}

// Session runs the commands of one capture session in order.
type Session struct {
	id      string
	server  *Server
	cfg     *config.Config
	logger  *log.Entry
	core    *session.Session
	bridge  *bridge.Bridge
	host    *bridge.PubSubHost
	source  *sourceSlot
	monitor *monitorSlot

	ctx    context.Context
	cancel context.CancelFunc

	stoppedOnce sync.Once
	commands    chan *command

	mu      sync.Mutex
	capture *Capture
}

func NewSession(id string, s *Server, fileName, userAgent string) *Session {
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), "session", id))

	sess := &Session{
		id:       id,
		server:   s,
		cfg:      s.cfg,
		logger:   log.WithField("session", id),
		source:   &sourceSlot{},
		monitor:  &monitorSlot{},
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan *command, 10),
	}
	sess.bridge, sess.host = sess.newBridge(ctx, userAgent)

	if fileName == "" {
		fileName = s.cfg.Export.FileName
	}

	files := export.NewFileExporter(s.cfg.Recorder, s.cfg.Export)
	var sharer session.Sharer
	if sess.bridge.HasHost() {
		sharer = export.NewBridgeSharer(files, sess.bridge)
	} else {
		sharer = export.NewPubSubSharer(files, s.pubsub, s.cfg.PubSub.Channels.Publish)
	}

	sess.core = session.New(id, session.Options{
		Source:   sess.source,
		Mixer:    s.backend.Mixer(ctx, sess.monitor),
		Sink:     s.backend.Sink(),
		Catalog:  s.catalog,
		Exporter: files,
		Sharer:   sharer,
		FileName: fileName,
		OnStateChange: func(from, to session.State, status string) {
			s.PublishPubSub(events.NewSessionStateChanged(id, from.String(), to.String(), status))
		},
	})

	return sess
}

// newBridge picks the native host for the session. Without a user agent
// the pubsub host is trusted as is.
func (s *Session) newBridge(ctx context.Context, userAgent string) (*bridge.Bridge, *bridge.PubSubHost) {
	if s.cfg.Bridge.Host != "pubsub" {
		return bridge.New(ctx, nil), nil
	}

	host := bridge.NewPubSubHost(ctx, s.server.pubsub, s.cfg.PubSub.Channels.Publish)
	if p := s.server.hostProfile(); p != nil {
		host.UpdateProfile(*p)
	}

	if userAgent == "" {
		userAgent = s.cfg.Bridge.UserAgent
	}
	if userAgent == "" {
		return bridge.New(ctx, host), host
	}

	detected := bridge.Detect(userAgent, map[bridge.Platform]bridge.Host{bridge.PlatformAndroid: host})
	if detected == nil {
		s.logger.Infof("no native host for %s", bridge.DetectPlatform(userAgent))
		return bridge.New(ctx, nil), nil
	}
	return bridge.New(ctx, detected), host
}

func (s *Session) Enqueue(c *command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// the command channel is closed once the session is closed
			s.logger.Errorf("recovered from panic in enqueue: %v", r)
			err = fmt.Errorf("%w: %s", session.ErrClosed, s.id)
		}
	}()

	select {
	case s.commands <- c:
		return nil
	default:
		return errors.New("session command queue is full")
	}
}

// interrupt aborts a pending capture request.
func (s *Session) interrupt() {
	s.cancel()
}

func (s *Session) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	appstats.Sessions.Inc()
	defer appstats.Sessions.Dec()

	for c := range s.commands {
		closed := s.handle(c)
		if !c.startTime.IsZero() {
			appstats.ObserveRequestDuration(eventId(c.event), time.Since(c.startTime))
		}
		if closed {
			return
		}
	}
}

func (s *Session) handle(c *command) bool {
	switch e := c.event.(type) {
	case *events.RequestCapture:
		s.handleCapture(c, e)
	case *events.SelectTrack:
		cmd := &events.SessionCommand{Id: events.SelectTrackKey, SessionId: s.id}
		s.reply(c, cmd, s.core.SelectTrack(e.TrackId))
	case *events.SelectFormat:
		cmd := &events.SessionCommand{Id: events.SelectFormatKey, SessionId: s.id}
		s.reply(c, cmd, s.core.SelectFormat(e.GetFormat()))
	case *events.ExportRecording:
		s.handleExport(c, e)
	case *events.SessionCommand:
		switch e.Id {
		case events.StartRecordingKey:
			err := s.core.StartRecording(s.ctx)
			if err != nil {
				appstats.OnSessionError("start_failed")
			}
			s.reply(c, e, err)
		case events.StopRecordingKey:
			s.handleStop(c, e)
		case events.ReenterKey:
			s.reply(c, e, s.core.Reenter())
		case events.CloseSessionKey:
			s.handleClose(c, e)
			return true
		default:
			s.logger.Errorf("unknown session command %s", e.Id)
		}
	default:
		s.logger.Errorf("unknown command type: %T", e)
	}
	return false
}

func (s *Session) respond(c *command, msg interface{}, err error) {
	if c.silent {
		return
	}
	s.server.PublishPubSub(msg)
	if c.reply != nil && !c.replied {
		c.replied = true
		select {
		case c.reply <- Result{Message: msg, Err: err}:
		default:
		}
	}
}

func (s *Session) reply(c *command, e *events.SessionCommand, err error) {
	if err != nil {
		s.logger.Warnf("%s failed: %v", e.Id, err)
		s.respond(c, e.Fail(err), err)
		return
	}
	s.respond(c, e.Success(), nil)
}

func (s *Session) handleCapture(c *command, e *events.RequestCapture) {
	if st := s.core.State(); !st.IsOneOf(session.StateUninitialized, session.StateError) {
		err := fmt.Errorf("%w: requestCapture in state %s", session.ErrInvalidState, st)
		s.respond(c, e.Fail(err), err)
		return
	}

	capt, err := s.server.backend.Capture(s.ctx, e)
	if err != nil {
		s.logger.Errorf("capture setup failed: %v", err)
		appstats.OnSessionError("capture_failed")
		s.respond(c, e.Fail(err), err)
		return
	}
	s.attach(capt)

	// the peer needs its answer before any media can arrive
	if capt.Answer != "" {
		s.respond(c, e.Success(capt.Answer, nil, nil), nil)
	}

	if err := s.core.RequestCapture(s.ctx, e.Constraints); err != nil {
		appstats.OnSessionError("capture_failed")
		s.respond(c, e.Fail(err), err)
		return
	}
	s.respond(c, e.Success("", s.core.Formats(), s.server.trackIDs()), nil)
}

func (s *Session) attach(c *Capture) {
	s.mu.Lock()
	prev := s.capture
	s.capture = c
	s.mu.Unlock()

	if prev != nil && prev.Closer != nil {
		if err := prev.Closer.Close(); err != nil {
			s.logger.Warnf("failed to close previous capture: %v", err)
		}
	}

	s.source.set(c.Source)
	s.monitor.set(c.Monitor)

	if c.Peer != nil {
		c.Peer.OnStateChange(func(state capture.ConnectionState) {
			if !state.IsTerminalState() || s.core.State() != session.StateRecording {
				return
			}
			cmd := &events.SessionCommand{Id: events.StopRecordingKey, SessionId: s.id}
			if err := s.Enqueue(&command{event: cmd, reason: state.String(), silent: true}); err != nil {
				s.logger.Warnf("could not stop recording after peer %s: %v", state, err)
			}
		})
	}
}

func (s *Session) handleStop(c *command, e *events.SessionCommand) {
	ctx, cancel := context.WithCancel(context.Background())
	if s.cfg.Recorder.StopTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.cfg.Recorder.StopTimeout)
	}
	defer cancel()

	if err := s.core.StopRecording(ctx); err != nil {
		s.reply(c, e, err)
		return
	}

	snap := s.core.Snapshot()
	s.server.PublishPubSub(events.NewRecordingStopped(s.id, c.reason, snap.Chunks, snap.Size))
	s.reply(c, e, nil)
}

func (s *Session) handleExport(c *command, e *events.ExportRecording) {
	var url string
	var err error

	switch e.Mode {
	case events.ExportModeShare:
		url, err = s.core.ExportShare(s.ctx, session.ShareInfo{
			Title: pointer.GetString(e.Title),
			Text:  pointer.GetString(e.Text),
		})
	default:
		url, err = s.core.ExportDownload(s.ctx)
	}

	if err != nil {
		appstats.OnSessionError("export_failed")
		s.respond(c, e.Fail(err), err)
		return
	}
	s.respond(c, e.Success(url), nil)
}

func (s *Session) handleClose(c *command, e *events.SessionCommand) {
	s.stoppedOnce.Do(func() {
		s.cancel()
		if err := s.core.Close(); err != nil {
			s.logger.Warnf("failed to close session: %v", err)
		}

		s.mu.Lock()
		capt := s.capture
		s.mu.Unlock()
		if capt != nil && capt.Closer != nil {
			if err := capt.Closer.Close(); err != nil {
				s.logger.Warnf("failed to close capture: %v", err)
			}
		}

		s.server.CloseSession(s.id)
		close(s.commands)
		s.reply(c, e, nil)
	})
}

// Info is the session as reported by the HTTP API.
type Info struct {
	session.Snapshot
	HasHost bool         `json:"hasHost"`
	Bridge  bridge.State `json:"bridge"`
}

func (s *Session) Info() Info {
	return Info{
		Snapshot: s.core.Snapshot(),
		HasHost:  s.bridge.HasHost(),
		Bridge:   s.bridge.State(),
	}
}

func eventId(event interface{}) string {
	switch e := event.(type) {
	case *events.RequestCapture:
		return events.RequestCaptureKey
	case *events.SelectTrack:
		return events.SelectTrackKey
	case *events.SelectFormat:
		return events.SelectFormatKey
	case *events.ExportRecording:
		return events.ExportRecordingKey
	case *events.SessionCommand:
		return e.Id
	default:
		return "unknown"
	}
}
