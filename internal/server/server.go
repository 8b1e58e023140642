package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	"github.com/ayobaapps/bgm-recorder/internal/catalog"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	log "github.com/sirupsen/logrus"
)

var ErrSessionNotFound = errors.New("session not found")

type validator interface {
	Validate() error
}

type Server struct {
	cfg        *config.Config
	pubsub     pubsub.PubSub
	catalog    *catalog.Catalog
	backend    Backend
	sessions   sync.Map
	shutdownWg sync.WaitGroup

	mu      sync.Mutex
	profile *events.HostProfile
}

func NewServer(cfg *config.Config, ps pubsub.PubSub, c *catalog.Catalog, b Backend) *Server {
	return &Server{cfg: cfg, pubsub: ps, catalog: c, backend: b}
}

func (s *Server) HandlePubSub(ctx context.Context, msg []byte) {
	log.Trace(string(msg))
	event := events.Decode(msg)
	appstats.OnServerRequest(event)

	if !event.IsValid() {
		log.Debugf("ignoring invalid message: %s", msg)
		return
	}

	s.Handle(ctx, event, nil)
}

// Handle routes a decoded event. Session events are queued on the session's
// command loop; reply, if set, receives the first response.
func (s *Server) Handle(ctx context.Context, event *events.Event, reply chan<- Result) {
	startTime := time.Now()
	ctx = context.WithValue(ctx, "session", event.SessionId)

	switch event.Id {
	case events.RequestCaptureKey:
		e := event.RequestCapture()
		if e == nil {
			e = &events.RequestCapture{SessionId: event.SessionId}
			err := errors.New("incorrect event")
			s.respond(reply, e.Fail(err), err)
			return
		}
		if err := e.Validate(); err != nil {
			log.WithField("session", ctx.Value("session")).Error(err)
			s.respond(reply, e.Fail(err), err)
			return
		}
		sess := s.getOrCreateSession(e.SessionId, e.GetFileName(), e.GetUserAgent())
		s.enqueue(sess, &command{event: e, reply: reply, startTime: startTime}, func(err error) {
			s.respond(reply, e.Fail(err), err)
		})

	case events.SelectTrackKey, events.SelectFormatKey, events.StartRecordingKey,
		events.StopRecordingKey, events.ReenterKey, events.CloseSessionKey:
		var payload validator
		switch event.Id {
		case events.SelectTrackKey:
			if e := event.SelectTrack(); e != nil {
				payload = e
			}
		case events.SelectFormatKey:
			if e := event.SelectFormat(); e != nil {
				payload = e
			}
		default:
			if e := event.SessionCommand(); e != nil {
				payload = e
			}
		}

		cmd := &events.SessionCommand{Id: event.Id, SessionId: event.SessionId}
		if payload == nil {
			err := errors.New("incorrect event")
			s.respond(reply, cmd.Fail(err), err)
			return
		}
		if err := payload.Validate(); err != nil {
			s.respond(reply, cmd.Fail(err), err)
			return
		}
		sess, ok := s.getSession(event.SessionId)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrSessionNotFound, event.SessionId)
			s.respond(reply, cmd.Fail(err), err)
			return
		}
		if event.Id == events.CloseSessionKey {
			sess.interrupt()
		}
		s.enqueue(sess, &command{event: payload, reply: reply, startTime: startTime}, func(err error) {
			s.respond(reply, cmd.Fail(err), err)
		})

	case events.ExportRecordingKey:
		e := event.ExportRecording()
		if e == nil {
			e = &events.ExportRecording{SessionId: event.SessionId}
			err := errors.New("incorrect event")
			s.respond(reply, e.Fail(err), err)
			return
		}
		if err := e.Validate(); err != nil {
			s.respond(reply, e.Fail(err), err)
			return
		}
		sess, ok := s.getSession(e.SessionId)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrSessionNotFound, e.SessionId)
			s.respond(reply, e.Fail(err), err)
			return
		}
		s.enqueue(sess, &command{event: e, reply: reply, startTime: startTime}, func(err error) {
			s.respond(reply, e.Fail(err), err)
		})

	case events.GetRecorderStatusKey:
		s.respond(reply, s.recorderStatus(), nil)
		appstats.ObserveRequestDuration(event.Id, time.Since(startTime))

	case events.BridgeCallbackKey:
		e := event.BridgeCallback()
		if e == nil || e.Validate() != nil {
			log.WithField("session", ctx.Value("session")).Warn("invalid bridge callback")
			return
		}
		for _, sess := range s.targets(e.SessionId) {
			if err := sess.bridge.Invoke(e.Method, e.Args...); err != nil {
				sess.logger.Warnf("bridge callback failed: %v", err)
			}
		}

	case events.HostProfileKey:
		e := event.HostProfile()
		if e == nil {
			return
		}
		if event.SessionId == "" {
			s.mu.Lock()
			s.profile = e
			s.mu.Unlock()
		}
		for _, sess := range s.targets(event.SessionId) {
			if sess.host != nil {
				sess.host.UpdateProfile(*e)
			}
		}

	default:
		log.WithField("session", ctx.Value("session")).Debugf("unhandled event %s", event.Id)
	}
}

func (s *Server) enqueue(sess *Session, c *command, fail func(error)) {
	if err := sess.Enqueue(c); err != nil {
		sess.logger.Error(err)
		fail(err)
	}
}

// respond publishes msg and hands it to reply, if any.
func (s *Server) respond(reply chan<- Result, msg interface{}, err error) {
	s.PublishPubSub(msg)
	if reply != nil {
		select {
		case reply <- Result{Message: msg, Err: err}:
		default:
		}
	}
}

func (s *Server) PublishPubSub(msg interface{}) {
	j, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("failed to encode %T: %v", msg, err)
		return
	}
	if err := s.pubsub.Publish(s.cfg.PubSub.Channels.Publish, j); err != nil {
		log.Errorf("failed to publish %T: %v", msg, err)
		return
	}
	appstats.OnServerResponse(msg)
}

func (s *Server) OnStart() error {
	log.Info("Application started. Version=", s.cfg.App.Version, " InstanceId=", s.cfg.App.InstanceId)
	s.PublishPubSub(s.recorderStatus())
	return nil
}

func (s *Server) recorderStatus() *events.RecorderStatus {
	return events.NewRecorderStatus(s.cfg.App.Version, s.cfg.App.InstanceId, s.SessionCount())
}

func (s *Server) getSession(id string) (*Session, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (s *Server) getOrCreateSession(id, fileName, userAgent string) *Session {
	if sess, ok := s.getSession(id); ok {
		return sess
	}
	return s.storeSession(NewSession(id, s, fileName, userAgent))
}

// storeSession starts sess unless another session with its id was stored
// first, in which case sess is cancelled and the stored one is returned.
func (s *Server) storeSession(sess *Session) *Session {
	if v, loaded := s.sessions.LoadOrStore(sess.id, sess); loaded {
		sess.cancel()
		return v.(*Session)
	}
	s.shutdownWg.Add(1)
	go sess.Run(&s.shutdownWg)
	return sess
}

// targets returns the session with id, or every session if id is empty.
func (s *Server) targets(id string) []*Session {
	if id != "" {
		if sess, ok := s.getSession(id); ok {
			return []*Session{sess}
		}
		return nil
	}
	var all []*Session
	s.sessions.Range(func(_, v interface{}) bool {
		all = append(all, v.(*Session))
		return true
	})
	return all
}

func (s *Server) hostProfile() *events.HostProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Formats lists the output formats the recorder sink can produce.
func (s *Server) Formats() media.Formats {
	return media.Candidates.Supported(s.backend.Sink().IsFormatSupported)
}

func (s *Server) Tracks() []catalog.Entry {
	return s.catalog.Entries()
}

func (s *Server) trackIDs() []string {
	entries := s.catalog.Entries()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func (s *Server) CloseSession(id string) {
	s.sessions.Delete(id)
}

// Close closes every session and waits for their command loops to end.
func (s *Server) Close() error {
	for _, sess := range s.targets("") {
		sess.interrupt()
		cmd := &events.SessionCommand{Id: events.CloseSessionKey, SessionId: sess.id}
		if err := sess.Enqueue(&command{event: cmd}); err != nil {
			sess.logger.Warnf("could not close session: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.Recorder.StopTimeout + time.Second):
		return errors.New("timed out waiting for sessions to close")
	}
}
