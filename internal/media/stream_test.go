package media

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleTrack_PushReadStop(t *testing.T) {
	ctx := context.Background()
	tr := NewSampleTrack("mic", CodecOpus, TrackSettings{SampleRate: 48000}, 4)
	assert.Equal(t, KindAudio, tr.Kind())

	require.NoError(t, tr.Push(ctx, Sample{Data: []byte{1}}))
	require.NoError(t, tr.Push(ctx, Sample{Data: []byte{2}}))
	tr.Stop()

	s, err := tr.ReadSample(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, s.Data)

	s, err = tr.ReadSample(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, s.Data)

	_, err = tr.ReadSample(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, tr.Push(ctx, Sample{}), io.ErrClosedPipe)
}

func TestSampleTrack_ReadHonoursContext(t *testing.T) {
	tr := NewSampleTrack("cam", CodecVP8, TrackSettings{}, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tr.ReadSample(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_ByKind(t *testing.T) {
	a := NewSampleTrack("a", CodecOpus, TrackSettings{}, 0)
	v := NewSampleTrack("v", CodecVP8, TrackSettings{}, 0)
	s := NewStream(a, v)

	assert.Equal(t, []Track{a}, s.AudioTracks())
	assert.Equal(t, []Track{v}, s.VideoTracks())
	assert.Equal(t, []Track{a, v}, s.Tracks())

	s.Stop()
	<-a.Done()
	<-v.Done()
}

func TestSampleTrack_OfferDropsWhenFull(t *testing.T) {
	tr := NewSampleTrack("cam", CodecVP8, TrackSettings{}, 1)

	assert.True(t, tr.Offer(Sample{Data: []byte{1}}))
	assert.False(t, tr.Offer(Sample{Data: []byte{2}}))

	s, err := tr.ReadSample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, s.Data)

	tr.Stop()
	assert.False(t, tr.Offer(Sample{Data: []byte{3}}))
}
