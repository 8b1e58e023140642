package media

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindAudio
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Sample is one encoded media unit (a video frame or an audio packet).
type Sample struct {
	Data     []byte
	Duration time.Duration
	KeyFrame bool
}

type TrackSettings struct {
	Width            int
	Height           int
	SampleRate       uint32
	Channels         uint16
	EchoCancellation bool
}

// Track is a live source of samples. ReadSample blocks until a sample is
// available, the track ends (io.EOF) or ctx is done.
type Track interface {
	ID() string
	Kind() Kind
	Codec() Codec
	Settings() TrackSettings
	ReadSample(ctx context.Context) (Sample, error)
	Stop()
}

// KeyframeRequester is implemented by video tracks whose producer can be
// asked for a fresh keyframe.
type KeyframeRequester interface {
	RequestKeyframe()
}

// Stream is an ordered set of tracks.
type Stream struct {
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: append([]Track(nil), tracks...)}
}

func (s *Stream) AddTrack(t Track) {
	s.tracks = append(s.tracks, t)
}

func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track {
	return s.byKind(KindAudio)
}

func (s *Stream) VideoTracks() []Track {
	return s.byKind(KindVideo)
}

func (s *Stream) byKind(k Kind) []Track {
	var result []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			result = append(result, t)
		}
	}
	return result
}

// Stop stops every track of the stream.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream(audio=%d, video=%d)", len(s.AudioTracks()), len(s.VideoTracks()))
}

// SampleTrack is a Track fed by Push. It is the building block for tracks
// whose samples are produced elsewhere (depacketizers, mixers, tests).
type SampleTrack struct {
	id       string
	kind     Kind
	codec    Codec
	settings TrackSettings

	samples chan Sample
	done    chan struct{}
	once    sync.Once

	m          sync.Mutex
	onKeyframe func()
}

func NewSampleTrack(id string, codec Codec, settings TrackSettings, buffer int) *SampleTrack {
	return &SampleTrack{
		id:       id,
		kind:     codec.Kind(),
		codec:    codec,
		settings: settings,
		samples:  make(chan Sample, buffer),
		done:     make(chan struct{}),
	}
}

func (t *SampleTrack) ID() string              { return t.id }
func (t *SampleTrack) Kind() Kind              { return t.kind }
func (t *SampleTrack) Codec() Codec            { return t.codec }
func (t *SampleTrack) Settings() TrackSettings { return t.settings }

// Push hands a sample to readers. It blocks while the buffer is full and
// returns io.ErrClosedPipe once the track is stopped.
func (t *SampleTrack) Push(ctx context.Context, s Sample) error {
	select {
	case <-t.done:
		return io.ErrClosedPipe
	default:
	}

	select {
	case t.samples <- s:
		return nil
	case <-t.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer hands a sample to readers without blocking. Live sources use it so a
// track nobody reads does not stall capture; the sample is dropped when the
// buffer is full.
func (t *SampleTrack) Offer(s Sample) bool {
	select {
	case <-t.done:
		return false
	default:
	}

	select {
	case t.samples <- s:
		return true
	default:
		return false
	}
}

func (t *SampleTrack) ReadSample(ctx context.Context) (Sample, error) {
	select {
	case s := <-t.samples:
		return s, nil
	case <-t.done:
		// drain what is left before reporting the end
		select {
		case s := <-t.samples:
			return s, nil
		default:
			return Sample{}, io.EOF
		}
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// OnKeyframeRequest registers the producer callback run by RequestKeyframe.
func (t *SampleTrack) OnKeyframeRequest(fn func()) {
	t.m.Lock()
	defer t.m.Unlock()
	t.onKeyframe = fn
}

func (t *SampleTrack) RequestKeyframe() {
	t.m.Lock()
	fn := t.onKeyframe
	t.m.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *SampleTrack) Stop() {
	t.once.Do(func() {
		close(t.done)
	})
}

// Done is closed once the track is stopped.
func (t *SampleTrack) Done() <-chan struct{} {
	return t.done
}
