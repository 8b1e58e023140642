package export

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/catalog"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cameraSource struct{}

func (cameraSource) RequestStream(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	return media.NewStream(media.NewSampleTrack("cam", media.CodecVP8, media.TrackSettings{}, 1)), nil
}

type silentNode struct{}

func (silentNode) Connect(ctx context.Context, e catalog.Entry) (media.Track, error) {
	return media.NewSampleTrack("bgm", media.CodecOpus, media.TrackSettings{}, 1), nil
}
func (silentNode) Play() error  { return nil }
func (silentNode) Stop()        {}
func (silentNode) Close() error { return nil }

type silentMixer struct{}

func (silentMixer) NewNode() (session.Node, error) { return silentNode{}, nil }

type oneChunkRecording struct {
	chunks chan []byte
	once   sync.Once
}

func (r *oneChunkRecording) Chunks() <-chan []byte { return r.chunks }
func (r *oneChunkRecording) Err() error            { return nil }

func (r *oneChunkRecording) Stop() {
	r.once.Do(func() {
		go func() {
			r.chunks <- []byte("webm-take")
			close(r.chunks)
		}()
	})
}

type oneChunkSink struct{}

func (oneChunkSink) IsFormatSupported(f media.Format) bool { return f == media.FormatWebmVP8Opus }

func (oneChunkSink) Start(ctx context.Context, s *media.Stream, f media.Format) (session.Recording, error) {
	return &oneChunkRecording{chunks: make(chan []byte)}, nil
}

func recordedSession(t *testing.T, id string, files *FileExporter, sharer session.Sharer) *session.Session {
	t.Helper()
	cat, err := catalog.New(catalog.Entry{ID: "alegria", URL: "alegria.ogg"})
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := session.New(id, session.Options{
		Source:   cameraSource{},
		Mixer:    silentMixer{},
		Sink:     oneChunkSink{},
		Catalog:  cat,
		Exporter: files,
		Sharer:   sharer,
		Now:      func() time.Time { return now },
	})

	ctx := context.Background()
	require.NoError(t, s.RequestCapture(ctx, media.Constraints{}))
	require.NoError(t, s.SelectFormat(media.FormatWebmVP8Opus))
	require.NoError(t, s.StartRecording(ctx))
	require.NoError(t, s.StopRecording(ctx))
	return s
}

func TestSessionExport_RepeatedAndConcurrentTakes(t *testing.T) {
	rec, exp := testConfig(t)
	files := NewFileExporter(rec, exp)
	ps := pubsub.NewMemory()
	defer ps.Close()
	sharer := NewPubSubSharer(files, ps, "from-app")
	ctx := context.Background()

	s1 := recordedSession(t, "s1", files, sharer)
	s2 := recordedSession(t, "s2", files, sharer)

	downloaded, err := s1.ExportDownload(ctx)
	require.NoError(t, err)
	shared, err := s1.ExportShare(ctx, session.ShareInfo{Title: "again"})
	require.NoError(t, err, "sharing right after a download reuses the file")
	assert.Equal(t, downloaded, shared)
	again, err := s1.ExportDownload(ctx)
	require.NoError(t, err)
	assert.Equal(t, downloaded, again)

	other, err := s2.ExportDownload(ctx)
	require.NoError(t, err, "another session exporting in the same second")
	assert.NotEqual(t, downloaded, other)

	require.NoError(t, s1.Reenter())
	require.NoError(t, s1.StartRecording(ctx))
	require.NoError(t, s1.StopRecording(ctx))
	next, err := s1.ExportDownload(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, downloaded, next)

	written, err := filepath.Glob(filepath.Join(rec.Directory, "recording-*.webm"))
	require.NoError(t, err)
	assert.Len(t, written, 3)
	for _, f := range written {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.Equal(t, []byte("webm-take"), b)
	}
}
