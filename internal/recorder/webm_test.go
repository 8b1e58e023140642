package recorder

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

func vp8Frame(keyFrame bool, width, height, size int) []byte {
	if size < 10 {
		size = 10
	}
	frame := make([]byte, size)
	if !keyFrame {
		frame[0] = 0x01
		return frame
	}
	frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
	frame[6], frame[7] = byte(width), byte(width>>8)
	frame[8], frame[9] = byte(height), byte(height>>8)
	return frame
}

func TestWebmSink_IsFormatSupported(t *testing.T) {
	sink := NewWebmSink(testRecorderConfig(t))

	assert.Equal(t,
		media.Formats{media.FormatWebmVP9Opus, media.FormatWebmVP8Opus},
		media.Candidates.Supported(sink.IsFormatSupported))
	assert.False(t, sink.IsFormatSupported(media.FormatUnknown))
}

func TestWebmSink_StartRejectsStreams(t *testing.T) {
	sink := NewWebmSink(testRecorderConfig(t))
	ctx := context.Background()

	opus := func() media.Track { return media.NewSampleTrack("a", media.CodecOpus, media.TrackSettings{}, 1) }
	vp8 := func() media.Track { return media.NewSampleTrack("v", media.CodecVP8, media.TrackSettings{}, 1) }
	vp9 := func() media.Track { return media.NewSampleTrack("v", media.CodecVP9, media.TrackSettings{}, 1) }

	tests := []struct {
		name   string
		stream *media.Stream
		format media.Format
	}{
		{"nil stream", nil, media.FormatWebmVP8Opus},
		{"video only", media.NewStream(vp8()), media.FormatWebmVP8Opus},
		{"two audio tracks", media.NewStream(opus(), opus(), vp8()), media.FormatWebmVP8Opus},
		{"codec mismatch", media.NewStream(opus(), vp9()), media.FormatWebmVP8Opus},
		{"unsupported format", media.NewStream(opus(), vp8()), media.FormatMP4H264AAC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := sink.Start(ctx, tt.stream, tt.format)
			assert.ErrorIs(t, err, session.ErrUnsupportedConfiguration)
			assert.Nil(t, rec)
		})
	}
}

func TestWebmSink_AudioBeforeFirstKeyframe(t *testing.T) {
	sink := NewWebmSink(testRecorderConfig(t))
	ctx := context.Background()

	audio := media.NewSampleTrack("bgm", media.CodecOpus, media.TrackSettings{SampleRate: 48000, Channels: 2}, 16)
	video := media.NewSampleTrack("cam", media.CodecVP8, media.TrackSettings{Width: 320, Height: 240}, 16)
	var requests int32
	video.OnKeyframeRequest(func() { atomic.AddInt32(&requests, 1) })

	rec, err := sink.Start(ctx, media.NewStream(audio, video), media.FormatWebmVP8Opus)
	require.NoError(t, err)
	webmRec := rec.(*WebmRecording)
	go func() {
		for range rec.Chunks() {
		}
	}()
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "a keyframe is requested when recording starts")

	for i := 0; i < 3; i++ {
		require.NoError(t, audio.Push(ctx, media.Sample{Data: []byte{0xfc, byte(i)}, Duration: 20 * time.Millisecond}))
	}
	assert.Eventually(t, func() bool {
		webmRec.m.Lock()
		defer webmRec.m.Unlock()
		return len(webmRec.pendingAudio) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, webmRec.Stats().AudioSamples)

	require.NoError(t, video.Push(ctx, media.Sample{Data: vp8Frame(false, 0, 0, 100), Duration: 33 * time.Millisecond}))
	require.NoError(t, video.Push(ctx, media.Sample{Data: vp8Frame(true, 320, 240, 400), Duration: 33 * time.Millisecond}))
	assert.Eventually(t, func() bool {
		return webmRec.Stats().VideoFrames == 1
	}, time.Second, 5*time.Millisecond)

	st := webmRec.Stats()
	assert.Equal(t, 3, st.AudioSamples, "held audio is written once the timeline opens")
	assert.Equal(t, 1, st.Dropped)
	// video starts after the 60ms of audio that played while waiting
	assert.Equal(t, 60*time.Millisecond+33*time.Millisecond, st.Duration)

	audio.Stop()
	video.Stop()
	rec.Stop()
	<-webmRec.Done()
	require.NoError(t, rec.Err())
}

func TestWebmSink_Record(t *testing.T) {
	cfg := testRecorderConfig(t)
	cfg.ChunkSize = 256
	cfg.WriteIVFCopy = true
	sink := NewWebmSink(cfg)
	ctx := context.Background()

	audio := media.NewSampleTrack("bgm", media.CodecOpus, media.TrackSettings{SampleRate: 48000, Channels: 2}, 16)
	video := media.NewSampleTrack("cam", media.CodecVP8, media.TrackSettings{Width: 320, Height: 240}, 16)

	rec, err := sink.Start(ctx, media.NewStream(audio, video), media.FormatWebmVP8Opus)
	require.NoError(t, err)
	webmRec := rec.(*WebmRecording)

	var chunks [][]byte
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for c := range rec.Chunks() {
			chunks = append(chunks, c)
		}
	}()

	// a delta frame before the first keyframe is dropped
	require.NoError(t, video.Push(ctx, media.Sample{Data: vp8Frame(false, 0, 0, 100), Duration: 33 * time.Millisecond}))
	require.NoError(t, video.Push(ctx, media.Sample{Data: vp8Frame(true, 320, 240, 400), Duration: 33 * time.Millisecond}))
	assert.Eventually(t, func() bool {
		return webmRec.Stats().VideoFrames == 1
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, audio.Push(ctx, media.Sample{Data: bytes.Repeat([]byte{0xfc}, 60), Duration: 20 * time.Millisecond}))
		require.NoError(t, video.Push(ctx, media.Sample{Data: vp8Frame(false, 0, 0, 200), Duration: 33 * time.Millisecond}))
	}
	assert.Eventually(t, func() bool {
		st := webmRec.Stats()
		return st.VideoFrames == 6 && st.AudioSamples == 5
	}, time.Second, 5*time.Millisecond)

	audio.Stop()
	rec.Stop()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("recording did not complete")
	}
	<-webmRec.Done()
	require.NoError(t, rec.Err())

	require.NotEmpty(t, chunks)
	for _, c := range chunks[:len(chunks)-1] {
		assert.Len(t, c, 256)
	}
	data := bytes.Join(chunks, nil)
	assert.True(t, bytes.HasPrefix(data, ebmlMagic))
	assert.Contains(t, string(data), "webm")
	assert.Contains(t, string(data), "V_VP8")
	assert.Contains(t, string(data), "A_OPUS")

	st := webmRec.Stats()
	assert.Equal(t, 1, st.KeyFrames)
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 6*33*time.Millisecond, st.Duration)

	matches, err := filepath.Glob(filepath.Join(cfg.Directory, "take-*.ivf"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	reader, header, err := ivfreader.NewWith(f)
	require.NoError(t, err)
	assert.Equal(t, "VP80", header.FourCC)
	assert.Equal(t, uint16(320), header.Width)
	assert.Equal(t, uint32(6), header.NumFrames)

	frames := 0
	for {
		_, _, err := reader.ParseNextFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames++
	}
	assert.Equal(t, 6, frames)
}

func TestWebmSink_StopWithoutMedia(t *testing.T) {
	sink := NewWebmSink(testRecorderConfig(t))
	audio := media.NewSampleTrack("bgm", media.CodecOpus, media.TrackSettings{}, 1)
	video := media.NewSampleTrack("cam", media.CodecVP9, media.TrackSettings{Width: 640, Height: 480}, 1)

	rec, err := sink.Start(context.Background(), media.NewStream(audio, video), media.FormatWebmVP9Opus)
	require.NoError(t, err)

	rec.Stop()
	var n int
	for range rec.Chunks() {
		n++
	}
	assert.Zero(t, n)
	assert.NoError(t, rec.Err())
}

func TestVP8Dimensions(t *testing.T) {
	w, h, ok := vp8Dimensions(media.CodecVP8, vp8Frame(true, 1280, 720, 20))
	assert.True(t, ok)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, ok = vp8Dimensions(media.CodecVP8, vp8Frame(false, 0, 0, 20))
	assert.False(t, ok)
	_, _, ok = vp8Dimensions(media.CodecVP9, vp8Frame(true, 1280, 720, 20))
	assert.False(t, ok)
}
