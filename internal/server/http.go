package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// maxBodySize bounds request bodies. SDP offers are a few kilobytes.
const maxBodySize = 1 << 20

// HTTPServer exposes sessions over a REST API. Requests are turned into the
// same events the pubsub channel carries, so responses are published there
// too.
type HTTPServer struct {
	cfg       *config.Config
	port      int
	mediaRoot string
	server    *Server
	timeout   time.Duration
	router    chi.Router
}

func NewHTTPServer(cfg *config.Config, sv *Server) *HTTPServer {
	h := &HTTPServer{
		cfg:       cfg,
		port:      cfg.HTTP.Port,
		mediaRoot: path.Clean(cfg.Recorder.Directory),
		server:    sv,
		timeout:   cfg.Capture.PermissionTimeout + cfg.Recorder.StopTimeout + 10*time.Second,
	}
	h.router = h.routes()
	return h
}

func (h *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.RequestSize(maxBodySize))

	r.Get("/formats", h.getFormats)
	r.Get("/tracks", h.getTracks)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.command(events.CloseSessionKey))
			r.Post("/capture", h.requestCapture)
			r.Post("/sdp", h.sdp)
			r.Post("/track", h.selectTrack)
			r.Post("/format", h.selectFormat)
			r.Post("/start", h.command(events.StartRecordingKey))
			r.Post("/stop", h.command(events.StopRecordingKey))
			r.Post("/reenter", h.command(events.ReenterKey))
			r.Post("/download", h.export(events.ExportModeDownload))
			r.Post("/share", h.export(events.ExportModeShare))
			r.Get("/artifact", h.getArtifact)
		})
	})

	r.Handle("/media/*", http.StripPrefix("/media", http.FileServer(http.Dir(h.mediaRoot))))
	r.Get("/favicon.ico", func(rw http.ResponseWriter, r *http.Request) {})

	return r
}

func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

func (h *HTTPServer) Serve() error {
	addr := ":" + strconv.Itoa(h.port)
	log.Printf("starting http server on %s", addr)
	return http.ListenAndServe(addr, h.router)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(start)).
			Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

type httpError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, httpError{Error: err.Error()})
}

// statusCode maps session errors onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrOperationInProgress),
		errors.Is(err, session.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoExporter):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrUnknownTrack),
		errors.Is(err, session.ErrUnsupportedFormat),
		errors.Is(err, session.ErrUnsupportedConfiguration),
		errors.Is(err, session.ErrNoFormatSelected),
		errors.Is(err, session.ErrNoTrackSelected),
		errors.Is(err, session.ErrNoStream):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrOfferRequired), errors.Is(err, ErrOfferNotAllowed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// dispatch hands msg to the server and waits for the first response.
func (h *HTTPServer) dispatch(w http.ResponseWriter, r *http.Request, msg validator) (Result, bool) {
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return Result{}, false
	}

	j, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return Result{}, false
	}
	event := events.Decode(j)
	appstats.OnServerRequest(event)

	reply := make(chan Result, 1)
	h.server.Handle(r.Context(), event, reply)

	select {
	case res := <-reply:
		return res, true
	case <-r.Context().Done():
		return Result{}, false
	case <-time.After(h.timeout):
		writeError(w, http.StatusGatewayTimeout, fmt.Errorf("no response for %s", event.Id))
		return Result{}, false
	}
}

func (h *HTTPServer) respond(w http.ResponseWriter, r *http.Request, msg validator) {
	if res, ok := h.dispatch(w, r, msg); ok {
		writeJSON(w, statusCode(res.Err), res.Message)
	}
}

func (h *HTTPServer) getFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.server.Formats().Strings())
}

func (h *HTTPServer) getTracks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.server.Tracks())
}

type createSessionRequest struct {
	SessionId string `json:"sessionId,omitempty"`
	FileName  string `json:"fileName,omitempty"`
}

func (h *HTTPServer) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, bodyStatus(err), err)
		return
	}
	if req.SessionId == "" {
		req.SessionId = uuid.NewString()
	}
	if _, ok := h.server.getSession(req.SessionId); ok {
		writeError(w, http.StatusConflict, fmt.Errorf("session %s already exists", req.SessionId))
		return
	}

	sess := h.server.getOrCreateSession(req.SessionId, req.FileName, r.UserAgent())
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (h *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := h.server.getSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", ErrSessionNotFound, id))
	}
	return sess, ok
}

func (h *HTTPServer) getSession(w http.ResponseWriter, r *http.Request) {
	if sess, ok := h.session(w, r); ok {
		writeJSON(w, http.StatusOK, sess.Info())
	}
}

func (h *HTTPServer) requestCapture(w http.ResponseWriter, r *http.Request) {
	e := &events.RequestCapture{}
	if err := decodeBody(r, e); err != nil {
		writeError(w, bodyStatus(err), err)
		return
	}
	e.Id = events.RequestCaptureKey
	e.SessionId = chi.URLParam(r, "id")
	if e.UserAgent == nil && r.UserAgent() != "" {
		ua := r.UserAgent()
		e.UserAgent = &ua
	}
	h.respond(w, r, e)
}

// sdp takes a raw offer and answers with the raw SDP answer.
func (h *HTTPServer) sdp(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, bodyStatus(err), err)
		return
	}
	if len(body) == 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, "Post SDP offer in body")
		return
	}

	offer := string(body)
	ua := r.UserAgent()
	e := &events.RequestCapture{
		Id:        events.RequestCaptureKey,
		SessionId: chi.URLParam(r, "id"),
		SDP:       &offer,
		UserAgent: &ua,
	}
	res, ok := h.dispatch(w, r, e)
	if !ok {
		return
	}
	if res.Err != nil {
		writeError(w, statusCode(res.Err), res.Err)
		return
	}
	resp, _ := res.Message.(*events.CaptureResponse)
	if resp == nil || resp.SDP == nil {
		writeError(w, http.StatusInternalServerError, errors.New("capture source did not answer the offer"))
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	fmt.Fprint(w, *resp.SDP)
}

func (h *HTTPServer) selectTrack(w http.ResponseWriter, r *http.Request) {
	e := &events.SelectTrack{}
	if err := decodeBody(r, e); err != nil {
		writeError(w, bodyStatus(err), err)
		return
	}
	e.Id = events.SelectTrackKey
	e.SessionId = chi.URLParam(r, "id")
	h.respond(w, r, e)
}

func (h *HTTPServer) selectFormat(w http.ResponseWriter, r *http.Request) {
	e := &events.SelectFormat{}
	if err := decodeBody(r, e); err != nil {
		writeError(w, bodyStatus(err), err)
		return
	}
	e.Id = events.SelectFormatKey
	e.SessionId = chi.URLParam(r, "id")
	h.respond(w, r, e)
}

func (h *HTTPServer) command(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.respond(w, r, &events.SessionCommand{Id: id, SessionId: chi.URLParam(r, "id")})
	}
}

func (h *HTTPServer) export(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e := &events.ExportRecording{}
		if err := decodeBody(r, e); err != nil {
			writeError(w, bodyStatus(err), err)
			return
		}
		e.Id = events.ExportRecordingKey
		e.SessionId = chi.URLParam(r, "id")
		e.Mode = mode
		h.respond(w, r, e)
	}
}

// getArtifact streams the last recording without exporting it.
func (h *HTTPServer) getArtifact(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	a, err := sess.core.BuildArtifact()
	if err != nil {
		writeError(w, statusCode(err), err)
		return
	}
	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sess.id+a.Extension))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	if _, err := w.Write(a.Data); err != nil {
		sess.logger.Warnf("failed to write artifact: %v", err)
	}
}

// decodeBody reads an optional JSON body into v.
// bodyStatus is 413 for bodies over maxBodySize and 400 otherwise.
func bodyStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
