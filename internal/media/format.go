package media

import (
	"fmt"
	"strings"
)

type Codec uint8

const (
	CodecUnknown Codec = iota
	CodecVP8
	CodecVP9
	CodecH264
	CodecOpus
	CodecAAC
)

var codecNames = map[Codec]string{
	CodecVP8:  "vp8",
	CodecVP9:  "vp9",
	CodecH264: "h264",
	CodecOpus: "opus",
	CodecAAC:  "aac",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec-%d", uint8(c))
}

// Kind returns the track kind the codec belongs to.
func (c Codec) Kind() Kind {
	switch c {
	case CodecVP8, CodecVP9, CodecH264:
		return KindVideo
	case CodecOpus, CodecAAC:
		return KindAudio
	default:
		return KindUnknown
	}
}

// Format is one of the output encodings a recording can be produced in.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatWebmVP9Opus
	FormatWebmVP8Opus
	FormatWebmH264Opus
	FormatMP4H264AAC
)

// Candidates lists every known format ordered by preference. The supported
// subset is probed at runtime against the recorder sink.
var Candidates = Formats{
	FormatWebmVP9Opus,
	FormatWebmVP8Opus,
	FormatWebmH264Opus,
	FormatMP4H264AAC,
}

type formatInfo struct {
	mimeType  string
	container string
	ext       string
	video     Codec
	audio     Codec
}

var formats = map[Format]formatInfo{
	FormatWebmVP9Opus:  {"video/webm;codecs=vp9,opus", "video/webm", ".webm", CodecVP9, CodecOpus},
	FormatWebmVP8Opus:  {"video/webm;codecs=vp8,opus", "video/webm", ".webm", CodecVP8, CodecOpus},
	FormatWebmH264Opus: {"video/webm;codecs=h264,opus", "video/webm", ".webm", CodecH264, CodecOpus},
	FormatMP4H264AAC:   {"video/mp4;codecs=h264,aac", "video/mp4", ".mp4", CodecH264, CodecAAC},
}

// ParseFormat maps a mime type with codec parameters onto a Format.
// Whitespace and letter case are ignored.
func ParseFormat(mimeType string) (Format, error) {
	norm := strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))
	for f, info := range formats {
		if info.mimeType == norm {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unknown format %q", mimeType)
}

func (f Format) IsValid() bool {
	_, ok := formats[f]
	return ok
}

// MimeType returns the full mime type including codec parameters.
func (f Format) MimeType() string {
	return formats[f].mimeType
}

// BaseMimeType returns the mime type with codec parameters stripped.
func (f Format) BaseMimeType() string {
	return formats[f].container
}

func (f Format) Extension() string {
	return formats[f].ext
}

func (f Format) VideoCodec() Codec {
	return formats[f].video
}

func (f Format) AudioCodec() Codec {
	return formats[f].audio
}

func (f Format) String() string {
	if !f.IsValid() {
		return fmt.Sprintf("format-%d", uint8(f))
	}
	return f.MimeType()
}

func (f Format) MarshalText() ([]byte, error) {
	if !f.IsValid() {
		return nil, fmt.Errorf("illegal format: %d", uint8(f))
	}
	return []byte(f.MimeType()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	v, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

type Formats []Format

// Supported filters the formats through probe, keeping their relative order.
func (fs Formats) Supported(probe func(Format) bool) Formats {
	result := make(Formats, 0, len(fs))
	for _, f := range fs {
		if probe(f) {
			result = append(result, f)
		}
	}
	return result
}

func (fs Formats) Contains(f Format) bool {
	for _, v := range fs {
		if v == f {
			return true
		}
	}
	return false
}

func (fs Formats) Strings() []string {
	result := make([]string, len(fs))
	for i, f := range fs {
		result[i] = f.String()
	}
	return result
}
