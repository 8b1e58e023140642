package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/recorder"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIVF(t *testing.T, dir string, width, height, frames int) string {
	t.Helper()
	file := filepath.Join(dir, "camera.ivf")
	w, err := recorder.CreateIVFFile(file, 0600, media.CodecVP8, width, height)
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		frame := make([]byte, 16)
		if i%5 != 0 {
			frame[0] = 0x01
		}
		frame[1] = byte(i)
		require.NoError(t, w.WriteFrame(frame, uint64(i*3000)))
	}
	require.NoError(t, w.Close())
	return file
}

func writeOggFile(t *testing.T, dir string, pages int) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusClockRate, 1)
	require.NoError(t, err)
	for i := 0; i < pages; i++ {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xf8, byte(i)},
		}))
	}
	require.NoError(t, w.Close())
	file := filepath.Join(dir, "mic.ogg")
	require.NoError(t, os.WriteFile(file, buf.Bytes(), 0600))
	return file
}

func drain(t *testing.T, tr media.Track) []media.Sample {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []media.Sample
	for {
		s, err := tr.ReadSample(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, s)
	}
}

func TestFileSource_RequestStream(t *testing.T) {
	dir := t.TempDir()
	src := NewFileSource(context.Background(), config.FileCapture{
		Video: writeIVF(t, dir, 640, 480, 10),
		Audio: writeOggFile(t, dir, 4),
	}, 4)

	stream, err := src.RequestStream(context.Background(), media.Constraints{Width: 640, Height: 480, EchoCancellation: true})
	require.NoError(t, err)
	require.Len(t, stream.VideoTracks(), 1)
	require.Len(t, stream.AudioTracks(), 1)

	video := stream.VideoTracks()[0]
	assert.Equal(t, media.CodecVP8, video.Codec())
	assert.Equal(t, 640, video.Settings().Width)
	assert.Equal(t, 480, video.Settings().Height)

	frames := drain(t, video)
	require.Len(t, frames, 10)
	for i, f := range frames {
		assert.Equal(t, byte(i), f.Data[1])
		assert.Equal(t, i%5 == 0, f.KeyFrame)
	}
	assert.InDelta(t, float64(time.Second/30), float64(frames[1].Duration), float64(time.Millisecond))

	audio := stream.AudioTracks()[0]
	assert.True(t, audio.Settings().EchoCancellation)
	assert.Equal(t, uint16(1), audio.Settings().Channels)
	samples := drain(t, audio)
	require.Len(t, samples, 4)
	assert.Equal(t, 20*time.Millisecond, samples[2].Duration)

	stream.Stop()
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()
	video := writeIVF(t, dir, 320, 240, 1)
	notIVF := filepath.Join(dir, "garbage.ivf")
	require.NoError(t, os.WriteFile(notIVF, []byte("garbage garbage garbage garbage garbage"), 0600))

	tests := []struct {
		name        string
		cfg         config.FileCapture
		constraints media.Constraints
		want        error
	}{
		{"no device", config.FileCapture{}, media.Constraints{}, session.ErrDeviceUnavailable},
		{"missing video", config.FileCapture{Video: filepath.Join(dir, "none.ivf")}, media.Constraints{}, session.ErrDeviceUnavailable},
		{"not ivf", config.FileCapture{Video: notIVF}, media.Constraints{}, session.ErrDeviceUnavailable},
		{"over constrained", config.FileCapture{Video: video}, media.Constraints{Width: 1920, Height: 1080}, session.ErrDeviceUnavailable},
		{"missing audio", config.FileCapture{Video: video, Audio: filepath.Join(dir, "none.ogg")}, media.Constraints{}, session.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream, err := NewFileSource(context.Background(), tt.cfg, 1).RequestStream(context.Background(), tt.constraints)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, stream)
		})
	}
}

func TestFileSource_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	dir := t.TempDir()
	video := writeIVF(t, dir, 320, 240, 1)
	require.NoError(t, os.Chmod(video, 0))

	_, err := NewFileSource(context.Background(), config.FileCapture{Video: video}, 1).
		RequestStream(context.Background(), media.Constraints{})
	assert.ErrorIs(t, err, session.ErrPermissionDenied)
}

func TestFileSource_PackedAudioPage(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	_, err := oggwriter.NewWith(&buf, opusClockRate, 1)
	require.NoError(t, err)

	packets := [][]byte{{0xf8, 1, 1}, {0xf8, 2, 2}, {0xf9, 3, 3}, {0xf8, 4, 4}}
	page := make([]byte, 27)
	copy(page, "OggS")
	page[26] = byte(len(packets))
	for _, p := range packets {
		page = append(page, byte(len(p)))
	}
	for _, p := range packets {
		page = append(page, p...)
	}
	buf.Write(page)
	audio := filepath.Join(dir, "packed.ogg")
	require.NoError(t, os.WriteFile(audio, buf.Bytes(), 0600))

	stream, err := NewFileSource(context.Background(), config.FileCapture{
		Video: writeIVF(t, dir, 320, 240, 1),
		Audio: audio,
	}, 4).RequestStream(context.Background(), media.Constraints{})
	require.NoError(t, err)
	defer stream.Stop()

	samples := drain(t, stream.AudioTracks()[0])
	require.Len(t, samples, 4)
	for i, s := range samples {
		assert.Equal(t, packets[i], s.Data)
	}
	assert.Equal(t, 20*time.Millisecond, samples[0].Duration)
	assert.Equal(t, 40*time.Millisecond, samples[2].Duration)
}

func TestFileSource_Loop(t *testing.T) {
	dir := t.TempDir()
	src := NewFileSource(context.Background(), config.FileCapture{
		Video: writeIVF(t, dir, 320, 240, 3),
		Loop:  true,
	}, 1)

	stream, err := src.RequestStream(context.Background(), media.Constraints{})
	require.NoError(t, err)
	video := stream.VideoTracks()[0]

	var got []byte
	for i := 0; i < 7; i++ {
		s, err := video.ReadSample(context.Background())
		require.NoError(t, err)
		got = append(got, s.Data[1])
	}
	assert.Equal(t, []byte{0, 1, 2, 0, 1, 2, 0}, got)
	stream.Stop()
}

type blockingSource struct{}

func (blockingSource) RequestStream(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithPermissionTimeout(t *testing.T) {
	src := WithPermissionTimeout(blockingSource{}, 10*time.Millisecond)
	_, err := src.RequestStream(context.Background(), media.Constraints{})
	assert.ErrorIs(t, err, session.ErrPermissionDenied)

	assert.Equal(t, session.CaptureSource(blockingSource{}), WithPermissionTimeout(blockingSource{}, 0))
}
