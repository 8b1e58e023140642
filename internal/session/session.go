package session

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/catalog"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	log "github.com/sirupsen/logrus"
)

// StateChangeFunc is invoked after every transition. It runs with the
// session lock held and must not call back into the session.
type StateChangeFunc func(from, to State, status string)

type Options struct {
	Source   CaptureSource
	Mixer    Mixer
	Sink     RecorderSink
	Catalog  *catalog.Catalog
	Exporter Exporter
	Sharer   Sharer

	// FileName is the base name of exported artifacts.
	FileName      string
	OnStateChange StateChangeFunc
	Now           func() time.Time
}

// Session drives one capture → record → export lifecycle.
type Session struct {
	id     string
	opts   Options
	logger *log.Entry

	mu     sync.Mutex
	state  State
	busy   bool
	closed bool
	status string

	stream  *media.Stream
	node    Node
	formats media.Formats
	format  media.Format
	trackID string

	recording      Recording
	recordedFormat media.Format
	finished       chan struct{}
	buffer         [][]byte
	chunks         [][]byte
	recErr         error
	lastExport     string
	take           int
	takeLocation   string
}

func New(id string, opts Options) *Session {
	if opts.FileName == "" {
		opts.FileName = "recording"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		id:     id,
		opts:   opts,
		logger: log.WithField("session", id),
		state:  StateUninitialized,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the last human-readable error, empty after a success.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Formats() media.Formats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(media.Formats(nil), s.formats...)
}

func (s *Session) SelectedFormat() media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *Session) SelectedTrack() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackID
}

// Snapshot is a consistent view of the session for reporting.
type Snapshot struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Status     string        `json:"status,omitempty"`
	Formats    media.Formats `json:"formats"`
	Format     media.Format  `json:"format,omitempty"`
	TrackID    string        `json:"trackId,omitempty"`
	Chunks     int           `json:"chunks"`
	Size       int           `json:"size"`
	LastExport string        `json:"lastExport,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		State:      s.state,
		Status:     s.status,
		Formats:    append(media.Formats(nil), s.formats...),
		TrackID:    s.trackID,
		Chunks:     len(s.chunks),
		LastExport: s.lastExport,
	}
	if s.format.IsValid() {
		snap.Format = s.format
	}
	for _, c := range s.chunks {
		snap.Size += len(c)
	}
	return snap
}

// RecordedChunks returns the finalized chunks of the last recording. It is
// empty unless the session is stopped or exported.
func (s *Session) RecordedChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.HasArtifact() {
		return nil
	}
	return append([][]byte(nil), s.chunks...)
}

// Locked
func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debugf("state %s -> %s", from, to)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to, s.status)
	}
}

// Locked
func (s *Session) begin(op string, allowed ...State) error {
	if s.closed {
		return ErrClosed
	}
	if s.busy {
		return fmt.Errorf("%w: %s", ErrOperationInProgress, op)
	}
	if !s.state.IsOneOf(allowed...) {
		return invalidState(op, s.state)
	}
	return nil
}

// RequestCapture asks the capture source for a stream. Allowed on a fresh
// session and after a failure.
func (s *Session) RequestCapture(ctx context.Context, constraints media.Constraints) error {
	s.mu.Lock()
	if err := s.begin("requestCapture", StateUninitialized, StateError); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := constraints.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnsupportedConfiguration, err)
	}
	s.busy = true
	s.status = ""
	s.setState(StateAwaitingPermission)
	node := s.node
	s.mu.Unlock()

	s.logger.Infof("requesting capture: %s", constraints)

	stream, err := s.opts.Source.RequestStream(ctx, constraints)
	if err == nil && len(stream.VideoTracks()) == 0 {
		stream.Stop()
		err = fmt.Errorf("%w: stream has no video track", ErrDeviceUnavailable)
	}

	var formats media.Formats
	if err == nil {
		formats = media.Candidates.Supported(s.opts.Sink.IsFormatSupported)
	}

	// the background node is built once and reused across takes
	created := false
	if err == nil && node == nil {
		created = true
		if node, err = s.opts.Mixer.NewNode(); err != nil {
			stream.Stop()
			err = fmt.Errorf("failed to build background node: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false

	if err != nil {
		s.logger.Errorf("capture error: %v", err)
		s.status = fmt.Sprintf("capture error: %v", err)
		s.setState(StateError)
		return err
	}

	if s.closed {
		stream.Stop()
		if created {
			_ = node.Close()
		}
		return ErrClosed
	}

	s.stream = stream
	s.node = node
	s.formats = formats
	s.format = media.FormatUnknown
	s.trackID = ""
	if e, ok := s.opts.Catalog.First(); ok {
		s.trackID = e.ID
	}

	s.logger.Infof("capture granted: %s, formats=%v", stream, formats.Strings())
	s.setState(StateReady)
	return nil
}

// SelectTrack picks the background track for the next recording.
func (s *Session) SelectTrack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("selectTrack", StateReady); err != nil {
		return err
	}
	if _, ok := s.opts.Catalog.Lookup(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	s.trackID = id
	return nil
}

// SelectFormat picks the output format for the next recording. Only formats
// reported as supported during capture are accepted.
func (s *Session) SelectFormat(f media.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("selectFormat", StateReady); err != nil {
		return err
	}
	if !s.formats.Contains(f) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	s.format = f
	return nil
}

// StartRecording mixes the selected background track with the captured video
// and starts the recorder sink. On failure the session stays ready.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	if err := s.begin("startRecording", StateReady); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.stream == nil || len(s.stream.VideoTracks()) == 0 {
		s.mu.Unlock()
		return ErrNoStream
	}
	if !s.format.IsValid() {
		s.mu.Unlock()
		return ErrNoFormatSelected
	}
	if s.trackID == "" {
		s.mu.Unlock()
		return ErrNoTrackSelected
	}
	entry, ok := s.opts.Catalog.Lookup(s.trackID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTrack, s.trackID)
	}

	s.busy = true
	s.chunks = nil
	s.buffer = nil
	s.recErr = nil
	format := s.format
	video := s.stream.VideoTracks()[0]
	node := s.node
	s.mu.Unlock()

	rec, err := s.start(ctx, node, entry, video, format)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false

	if err != nil {
		s.logger.Errorf("failed to start recording: %v", err)
		s.status = err.Error()
		return err
	}

	s.status = ""
	s.recording = rec
	s.recordedFormat = format
	s.take++
	s.takeLocation = ""
	s.finished = make(chan struct{})
	go s.drain(rec, s.finished)

	s.logger.Infof("recording started: format=%s, track=%s", format, entry.ID)
	s.setState(StateRecording)
	return nil
}

func (s *Session) start(ctx context.Context, node Node, entry catalog.Entry, video media.Track, format media.Format) (Recording, error) {
	audio, err := node.Connect(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("mixer error: %w", err)
	}

	// the combined stream is always [background audio, camera video]
	combined := media.NewStream(audio, video)

	rec, err := s.opts.Sink.Start(ctx, combined, format)
	if err != nil {
		node.Stop()
		return nil, fmt.Errorf("recorder error: %w", err)
	}

	if err := node.Play(); err != nil {
		node.Stop()
		rec.Stop()
		for range rec.Chunks() {
		}
		return nil, fmt.Errorf("mixer error: %w", err)
	}

	return rec, nil
}

func (s *Session) drain(rec Recording, finished chan struct{}) {
	defer close(finished)
	for chunk := range rec.Chunks() {
		s.onChunkAvailable(chunk)
	}
}

func (s *Session) onChunkAvailable(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, chunk)
	s.mu.Unlock()
}

// StopRecording stops playback and the sink. The session moves to stopped
// only once the sink has signalled completion. If ctx ends first the error
// is returned and the transition still happens when the sink completes;
// every other operation stays rejected until then.
func (s *Session) StopRecording(ctx context.Context) error {
	s.mu.Lock()
	if err := s.begin("stopRecording", StateRecording); err != nil {
		s.mu.Unlock()
		return err
	}
	s.busy = true
	rec := s.recording
	finished := s.finished
	node := s.node
	s.mu.Unlock()

	node.Stop()
	rec.Stop()

	select {
	case <-finished:
		s.completeStop(rec)
		return nil
	case <-ctx.Done():
		s.logger.Warnf("recorder did not complete in time: %v", ctx.Err())
		go func() {
			<-finished
			s.completeStop(rec)
		}()
		return ctx.Err()
	}
}

func (s *Session) completeStop(rec Recording) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.busy = false
	s.recording = nil
	s.chunks = s.buffer
	s.buffer = nil
	s.recErr = rec.Err()

	size := 0
	for _, c := range s.chunks {
		size += len(c)
	}
	if s.recErr != nil {
		s.logger.Warnf("recorder finished with error: %v", s.recErr)
		s.status = fmt.Sprintf("recorder error: %v", s.recErr)
	}
	s.logger.Infof("recording stopped: chunks=%d, size=%d", len(s.chunks), size)

	if s.closed {
		return
	}
	s.setState(StateStopped)
}

// BuildArtifact concatenates the recorded chunks in arrival order.
func (s *Session) BuildArtifact() (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildArtifact()
}

// Locked
func (s *Session) buildArtifact() (Artifact, error) {
	if !s.state.HasArtifact() {
		return Artifact{}, invalidState("buildArtifact", s.state)
	}
	return Artifact{
		Session:   s.id,
		Format:    s.recordedFormat,
		MimeType:  s.recordedFormat.BaseMimeType(),
		Extension: s.recordedFormat.Extension(),
		Chunks:    len(s.chunks),
		Data:      bytes.Join(s.chunks, nil),
	}, nil
}

// Locked
func (s *Session) artifactName(a Artifact) string {
	id := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s.id)
	return fmt.Sprintf("%s-%s-%s-%d%s", s.opts.FileName, id, s.opts.Now().Format("20060102150405"), s.take, a.Extension)
}

// ExportDownload saves the artifact and returns its location.
func (s *Session) ExportDownload(ctx context.Context) (string, error) {
	if s.opts.Exporter == nil {
		return "", ErrNoExporter
	}
	return s.export(ctx, "download", func(a Artifact) (string, error) {
		return s.opts.Exporter.Download(ctx, a)
	})
}

// ExportShare hands the artifact to the share mechanism.
func (s *Session) ExportShare(ctx context.Context, info ShareInfo) (string, error) {
	if s.opts.Sharer == nil {
		return "", ErrNoExporter
	}
	return s.export(ctx, "share", func(a Artifact) (string, error) {
		return s.opts.Sharer.Share(ctx, a, info)
	})
}

func (s *Session) export(ctx context.Context, mode string, fn func(Artifact) (string, error)) (string, error) {
	s.mu.Lock()
	if err := s.begin("export", StateStopped, StateExported); err != nil {
		s.mu.Unlock()
		return "", err
	}
	a, err := s.buildArtifact()
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	a.Name = s.artifactName(a)
	a.Location = s.takeLocation
	s.busy = true
	s.mu.Unlock()

	if len(a.Data) == 0 {
		s.logger.Warnf("exporting empty recording %s", a.Name)
	}

	location, err := fn(a)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false

	if err != nil {
		s.logger.Errorf("%s failed: %v", mode, err)
		s.status = fmt.Sprintf("export error: %v", err)
		return "", err
	}

	s.status = ""
	s.lastExport = location
	s.takeLocation = location
	s.logger.Infof("recording exported (%s): %s", mode, location)
	s.setState(StateExported)
	return location, nil
}

// Reenter returns a stopped or exported session to ready for another take.
// The captured stream and background node are kept.
func (s *Session) Reenter() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("reenter", StateStopped, StateExported); err != nil {
		return err
	}
	s.status = ""
	s.setState(StateReady)
	return nil
}

// Close stops any recording and releases the captured stream and node.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rec := s.recording
	finished := s.finished
	node := s.node
	stream := s.stream
	s.stream = nil
	s.node = nil
	s.mu.Unlock()

	if rec != nil {
		if node != nil {
			node.Stop()
		}
		rec.Stop()
		<-finished
	}
	if stream != nil {
		stream.Stop()
	}

	var err error
	if node != nil {
		err = node.Close()
	}
	s.logger.Info("session closed")
	return err
}
