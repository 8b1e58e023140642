package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ayobaapps/bgm-recorder/internal/media"
)

// IVFTimebase is the number of timestamp units per second in written files.
const IVFTimebase = 90000

// IVFWriter stores raw VP8/VP9 frames in an IVF container. The frame count
// in the header is patched on Close.
type IVFWriter struct {
	file       io.WriteSeeker
	closer     io.Closer
	mu         sync.Mutex
	closed     bool
	frameCount uint32
}

func ivfFourCC(codec media.Codec) ([4]byte, error) {
	switch codec {
	case media.CodecVP8:
		return [4]byte{'V', 'P', '8', '0'}, nil
	case media.CodecVP9:
		return [4]byte{'V', 'P', '9', '0'}, nil
	default:
		return [4]byte{}, fmt.Errorf("codec %s cannot be stored in ivf", codec)
	}
}

func CreateIVFFile(file string, fileMode os.FileMode, codec media.Codec, width, height int) (*IVFWriter, error) {
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return nil, err
	}
	w, err := NewIVFWriter(f, codec, width, height)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

func NewIVFWriter(out io.WriteSeeker, codec media.Codec, width, height int) (*IVFWriter, error) {
	fourcc, err := ivfFourCC(codec)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], fourcc[:])
	binary.LittleEndian.PutUint16(header[12:14], uint16(width))
	binary.LittleEndian.PutUint16(header[14:16], uint16(height))
	binary.LittleEndian.PutUint32(header[16:20], IVFTimebase)
	binary.LittleEndian.PutUint32(header[20:24], 1)

	if _, err := out.Write(header); err != nil {
		return nil, err
	}
	return &IVFWriter{file: out}, nil
}

// WriteFrame appends one frame; pts is expressed in IVFTimebase units.
func (writer *IVFWriter) WriteFrame(frame []byte, pts uint64) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.closed {
		return io.ErrClosedPipe
	}

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(frame)))
	binary.LittleEndian.PutUint64(header[4:12], pts)

	if _, err := writer.file.Write(header); err != nil {
		return err
	}
	if _, err := writer.file.Write(frame); err != nil {
		return err
	}

	writer.frameCount++
	return nil
}

func (writer *IVFWriter) Close() error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.closed {
		return nil
	}
	writer.closed = true

	var err error
	if _, err = writer.file.Seek(24, io.SeekStart); err == nil {
		err = binary.Write(writer.file, binary.LittleEndian, writer.frameCount)
	}
	if writer.closer != nil {
		if cerr := writer.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
