package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormats_Supported(t *testing.T) {
	tests := []struct {
		name      string
		supported map[Format]bool
		want      Formats
	}{
		{
			name:      "only h264 variants supported",
			supported: map[Format]bool{FormatWebmH264Opus: true, FormatMP4H264AAC: true},
			want:      Formats{FormatWebmH264Opus, FormatMP4H264AAC},
		},
		{
			name:      "vp8 and mp4 keep preference order",
			supported: map[Format]bool{FormatMP4H264AAC: true, FormatWebmVP8Opus: true},
			want:      Formats{FormatWebmVP8Opus, FormatMP4H264AAC},
		},
		{
			name:      "nothing supported",
			supported: map[Format]bool{},
			want:      Formats{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates.Supported(func(f Format) bool { return tt.supported[f] })
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "video/webm;codecs=vp9,opus", want: FormatWebmVP9Opus},
		{in: "video/webm; codecs=vp8, opus", want: FormatWebmVP8Opus},
		{in: "VIDEO/WEBM;codecs=h264,opus", want: FormatWebmH264Opus},
		{in: "video/mp4;codecs=h264,aac", want: FormatMP4H264AAC},
		{in: "video/webm", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, FormatUnknown, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat_BaseMimeTypeAndExtension(t *testing.T) {
	assert.Equal(t, "video/webm", FormatWebmVP9Opus.BaseMimeType())
	assert.Equal(t, ".webm", FormatWebmVP8Opus.Extension())
	assert.Equal(t, "video/mp4", FormatMP4H264AAC.BaseMimeType())
	assert.Equal(t, ".mp4", FormatMP4H264AAC.Extension())
	assert.Equal(t, CodecVP9, FormatWebmVP9Opus.VideoCodec())
	assert.Equal(t, CodecAAC, FormatMP4H264AAC.AudioCodec())
	assert.False(t, FormatUnknown.IsValid())
}

func TestFormat_TextRoundTrip(t *testing.T) {
	var f Format
	require.NoError(t, f.UnmarshalText([]byte("video/webm;codecs=vp8,opus")))
	assert.Equal(t, FormatWebmVP8Opus, f)

	_, err := FormatUnknown.MarshalText()
	assert.Error(t, err)
}

func TestIsKeyFrame(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		frame []byte
		want  bool
	}{
		{"vp8 key", CodecVP8, []byte{0x10, 0x02, 0x00}, true},
		{"vp8 delta", CodecVP8, []byte{0x11, 0x02, 0x00}, false},
		{"vp9 key profile 0", CodecVP9, []byte{0x82, 0x49}, true},
		{"vp9 inter profile 0", CodecVP9, []byte{0x86, 0x00}, false},
		{"vp9 show existing", CodecVP9, []byte{0x88}, false},
		{"vp9 bad marker", CodecVP9, []byte{0x02}, false},
		{"h264 unknown", CodecH264, []byte{0x65}, false},
		{"empty", CodecVP8, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsKeyFrame(tt.codec, tt.frame))
		})
	}
}
