package session

import (
	"context"

	"github.com/ayobaapps/bgm-recorder/internal/catalog"
	"github.com/ayobaapps/bgm-recorder/internal/media"
)

// CaptureSource supplies the user's live audio/video.
type CaptureSource interface {
	RequestStream(ctx context.Context, constraints media.Constraints) (*media.Stream, error)
}

// Mixer builds the background-track node of a session.
type Mixer interface {
	NewNode() (Node, error)
}

// Node routes one background track into the recording and to the user's
// monitor output at the same time.
type Node interface {
	// Connect loads entry and returns the audio track fed into the recording.
	Connect(ctx context.Context, entry catalog.Entry) (media.Track, error)
	// Play starts audible playback from the beginning of the track.
	Play() error
	// Stop pauses playback and rewinds. The connected track ends.
	Stop()
	Close() error
}

// RecorderSink encodes a stream into binary chunks.
type RecorderSink interface {
	IsFormatSupported(f media.Format) bool
	Start(ctx context.Context, stream *media.Stream, f media.Format) (Recording, error)
}

// Recording is an active sink run. Chunks delivers fragments in order and is
// closed once the sink has finished after Stop (or on failure).
type Recording interface {
	Chunks() <-chan []byte
	Stop()
	Err() error
}

// Artifact is a finished recording ready to be exported.
type Artifact struct {
	Session   string
	Name      string
	Format    media.Format
	MimeType  string
	Extension string
	Chunks    int
	Data      []byte
	// Location is where this take was already exported, empty before the
	// first export. Exporters return it instead of writing the take again.
	Location string
}

type ShareInfo struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Exporter saves an artifact locally and returns where it can be fetched.
type Exporter interface {
	Download(ctx context.Context, a Artifact) (string, error)
}

// Sharer hands an artifact to a share mechanism and returns where the
// artifact was saved.
type Sharer interface {
	Share(ctx context.Context, a Artifact, info ShareInfo) (string, error)
}
