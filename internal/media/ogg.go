package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	oggPageHeaderLen    = 27
	oggContinuedPacket  = 0x01
	defaultOpusDuration = 20 * time.Millisecond
)

var errBadOggPage = errors.New("bad ogg page signature")

// OpusPacketReader splits the data pages of an Ogg/Opus stream into single
// Opus packets using the page segment tables. Packets may span pages. The
// OpusHead and OpusTags header packets are skipped.
type OpusPacketReader struct {
	r       io.Reader
	partial []byte
	queue   [][]byte
	header  [oggPageHeaderLen]byte
}

func NewOpusPacketReader(r io.Reader) *OpusPacketReader {
	return &OpusPacketReader{r: r}
}

// Next returns the next packet and its duration. It returns io.EOF at the end
// of the stream.
func (o *OpusPacketReader) Next() ([]byte, time.Duration, error) {
	for len(o.queue) == 0 {
		if err := o.readPage(); err != nil {
			return nil, 0, err
		}
	}
	p := o.queue[0]
	o.queue = o.queue[1:]
	return p, OpusPacketDuration(p), nil
}

func (o *OpusPacketReader) readPage() error {
	if _, err := io.ReadFull(o.r, o.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("truncated ogg page header: %w", err)
		}
		return err
	}
	if !bytes.Equal(o.header[:4], []byte("OggS")) {
		return errBadOggPage
	}

	lacing := make([]byte, o.header[26])
	if _, err := io.ReadFull(o.r, lacing); err != nil {
		return fmt.Errorf("truncated ogg segment table: %w", noEOF(err))
	}
	size := 0
	for _, l := range lacing {
		size += int(l)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(o.r, payload); err != nil {
		return fmt.Errorf("truncated ogg page: %w", noEOF(err))
	}

	continued := o.header[5]&oggContinuedPacket != 0
	if !continued {
		o.partial = nil
	}
	// a continuation without its beginning is dropped up to the first packet boundary
	skip := continued && o.partial == nil

	offset := 0
	for _, l := range lacing {
		o.partial = append(o.partial, payload[offset:offset+int(l)]...)
		offset += int(l)
		if l == 255 {
			continue
		}
		if !skip {
			o.push(o.partial)
		}
		skip = false
		o.partial = nil
	}
	if skip {
		o.partial = nil
	}
	return nil
}

func (o *OpusPacketReader) push(p []byte) {
	if len(p) == 0 || bytes.HasPrefix(p, []byte("OpusHead")) || bytes.HasPrefix(p, []byte("OpusTags")) {
		return
	}
	o.queue = append(o.queue, p)
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// opusFrameSizes holds the frame duration of each TOC configuration, in
// units of 2.5ms (RFC 6716 section 3.1).
var opusFrameSizes = [32]time.Duration{
	4, 8, 16, 24, // SILK NB
	4, 8, 16, 24, // SILK MB
	4, 8, 16, 24, // SILK WB
	4, 8, // hybrid SWB
	4, 8, // hybrid FB
	1, 2, 4, 8, // CELT NB
	1, 2, 4, 8, // CELT WB
	1, 2, 4, 8, // CELT SWB
	1, 2, 4, 8, // CELT FB
}

// OpusPacketDuration reads the packet duration from its TOC byte. Malformed
// packets count as one 20ms frame.
func OpusPacketDuration(p []byte) time.Duration {
	if len(p) == 0 {
		return defaultOpusDuration
	}
	frame := opusFrameSizes[p[0]>>3] * 2500 * time.Microsecond

	frames := 1
	switch p[0] & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(p) < 2 || p[1]&0x3f == 0 {
			return defaultOpusDuration
		}
		frames = int(p[1] & 0x3f)
	}
	return time.Duration(frames) * frame
}
