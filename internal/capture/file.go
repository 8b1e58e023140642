package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	log "github.com/sirupsen/logrus"
)

var _ session.CaptureSource = (*FileSource)(nil)

const opusClockRate = 48000

// FileSource plays an IVF video file as the camera and an Ogg/Opus file as
// the microphone.
type FileSource struct {
	cfg    config.FileCapture
	queue  int
	logger *log.Entry
}

func NewFileSource(ctx context.Context, cfg config.FileCapture, queue int) *FileSource {
	if queue <= 0 {
		queue = 16
	}
	return &FileSource{
		cfg:    cfg,
		queue:  queue,
		logger: log.WithField("session", ctx.Value("session")),
	}
}

// deviceError maps filesystem failures onto capture errors.
func deviceError(kind, file string, err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s device %s: %v", session.ErrPermissionDenied, kind, file, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s device %s not found", session.ErrDeviceUnavailable, kind, file)
	default:
		return fmt.Errorf("%w: %s device %s: %v", session.ErrDeviceUnavailable, kind, file, err)
	}
}

func (s *FileSource) RequestStream(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if s.cfg.Video == "" {
		return nil, fmt.Errorf("%w: no video device configured", session.ErrDeviceUnavailable)
	}

	video, err := s.openVideo(c)
	if err != nil {
		return nil, err
	}

	stream := media.NewStream()
	if s.cfg.Audio != "" {
		audio, err := s.openAudio(c)
		if err != nil {
			video.Stop()
			return nil, err
		}
		stream.AddTrack(audio)
	}
	stream.AddTrack(video)

	if err := ctx.Err(); err != nil {
		stream.Stop()
		return nil, err
	}
	return stream, nil
}

func ivfCodec(fourcc string) media.Codec {
	switch fourcc {
	case "VP80":
		return media.CodecVP8
	case "VP90":
		return media.CodecVP9
	default:
		return media.CodecUnknown
	}
}

func (s *FileSource) openVideo(c media.Constraints) (media.Track, error) {
	f, err := os.Open(s.cfg.Video)
	if err != nil {
		return nil, deviceError("video", s.cfg.Video, err)
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: video device %s: %v", session.ErrDeviceUnavailable, s.cfg.Video, err)
	}

	codec := ivfCodec(header.FourCC)
	if codec == media.CodecUnknown {
		_ = f.Close()
		return nil, fmt.Errorf("%w: video device %s has unsupported codec %s",
			session.ErrDeviceUnavailable, s.cfg.Video, header.FourCC)
	}

	width, height := int(header.Width), int(header.Height)
	if !c.Matches(width, height) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: video device delivers %dx%d, requested %dx%d",
			session.ErrDeviceUnavailable, width, height, c.Width, c.Height)
	}

	track := media.NewSampleTrack("camera", codec, media.TrackSettings{
		Width:  width,
		Height: height,
	}, s.queue)

	go s.pumpVideo(track, f, reader, header)
	s.logger.Infof("video device %s opened: %s %dx%d", s.cfg.Video, codec, width, height)
	return track, nil
}

func (s *FileSource) pumpVideo(track *media.SampleTrack, f *os.File, reader *ivfreader.IVFReader, header *ivfreader.IVFFileHeader) {
	defer track.Stop()
	defer func() { _ = f.Close() }()

	codec := track.Codec()
	timebase := time.Second * time.Duration(header.TimebaseNumerator)
	if header.TimebaseDenominator == 0 {
		header.TimebaseDenominator = 1
	}
	ticker := newPacer(s.cfg.Realtime)

	var last uint64
	var first = true
	for {
		frame, fh, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) && s.cfg.Loop {
			if _, err = f.Seek(0, io.SeekStart); err == nil {
				if reader, _, err = ivfreader.NewWith(f); err == nil {
					first = true
					continue
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warnf("video device read error: %v", err)
			}
			return
		}

		duration := time.Second / 30
		if !first && fh.Timestamp > last {
			duration = time.Duration(fh.Timestamp-last) * timebase / time.Duration(header.TimebaseDenominator)
		}
		first = false
		last = fh.Timestamp

		if !ticker.wait(track.Done(), duration) {
			return
		}
		if !s.deliver(track, media.Sample{
			Data:     frame,
			Duration: duration,
			KeyFrame: media.IsKeyFrame(codec, frame),
		}) {
			return
		}
	}
}

func (s *FileSource) openAudio(c media.Constraints) (media.Track, error) {
	b, err := os.ReadFile(s.cfg.Audio)
	if err != nil {
		return nil, deviceError("audio", s.cfg.Audio, err)
	}

	_, header, err := oggreader.NewWith(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: audio device %s: %v", session.ErrDeviceUnavailable, s.cfg.Audio, err)
	}

	track := media.NewSampleTrack("microphone", media.CodecOpus, media.TrackSettings{
		SampleRate:       opusClockRate,
		Channels:         uint16(header.Channels),
		EchoCancellation: c.EchoCancellation,
	}, s.queue)

	go s.pumpAudio(track, b)
	s.logger.Infof("audio device %s opened: %d channels", s.cfg.Audio, header.Channels)
	return track, nil
}

func (s *FileSource) pumpAudio(track *media.SampleTrack, b []byte) {
	defer track.Stop()
	ticker := newPacer(s.cfg.Realtime)

	for {
		r := bytes.NewReader(b)
		if _, _, err := oggreader.NewWith(r); err != nil {
			return
		}

		packets := media.NewOpusPacketReader(r)
		for {
			packet, duration, err := packets.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Warnf("audio device read error: %v", err)
					return
				}
				break
			}

			if !ticker.wait(track.Done(), duration) {
				return
			}
			if !s.deliver(track, media.Sample{Data: packet, Duration: duration, KeyFrame: true}) {
				return
			}
		}

		if !s.cfg.Loop {
			return
		}
	}
}

// deliver behaves like a live device in real time mode and drops samples
// nobody reads. Otherwise the file is read at the consumer's pace.
func (s *FileSource) deliver(track *media.SampleTrack, sample media.Sample) bool {
	if s.cfg.Realtime {
		track.Offer(sample)
		return true
	}
	return track.Push(context.Background(), sample) == nil
}

// pacer delays delivery so a file plays back at its natural rate.
type pacer struct {
	realtime bool
	start    time.Time
	elapsed  time.Duration
}

func newPacer(realtime bool) *pacer {
	return &pacer{realtime: realtime, start: time.Now()}
}

// wait returns false if done fires first.
func (p *pacer) wait(done <-chan struct{}, next time.Duration) bool {
	if !p.realtime {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(time.Until(p.start.Add(p.elapsed)))
	defer timer.Stop()
	p.elapsed += next

	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
