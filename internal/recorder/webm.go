package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/ayobaapps/bgm-recorder/internal"
	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	_ session.RecorderSink = (*WebmSink)(nil)
	_ session.Recording    = (*WebmRecording)(nil)
)

const (
	// maxPendingAudio bounds the audio kept while waiting for the first
	// video keyframe, about ten seconds of 20ms packets.
	maxPendingAudio = 500

	keyframeRetryInterval = time.Second
)

var webmCodecIDs = map[media.Codec]string{
	media.CodecVP8:  "V_VP8",
	media.CodecVP9:  "V_VP9",
	media.CodecOpus: "A_OPUS",
}

// WebmSink muxes a [audio, video] stream into WebM.
type WebmSink struct {
	cfg config.Recorder
}

func NewWebmSink(cfg config.Recorder) *WebmSink {
	return &WebmSink{cfg: cfg}
}

func (s *WebmSink) IsFormatSupported(f media.Format) bool {
	if !f.IsValid() || f.BaseMimeType() != "video/webm" {
		return false
	}
	v, a := f.VideoCodec(), f.AudioCodec()
	return (v == media.CodecVP8 || v == media.CodecVP9) && a == media.CodecOpus
}

func (s *WebmSink) validate(stream *media.Stream, f media.Format) (audio, video media.Track, err error) {
	if !s.IsFormatSupported(f) {
		return nil, nil, fmt.Errorf("%w: format %s", session.ErrUnsupportedConfiguration, f)
	}
	if stream == nil {
		return nil, nil, fmt.Errorf("%w: no stream", session.ErrUnsupportedConfiguration)
	}
	audios, videos := stream.AudioTracks(), stream.VideoTracks()
	if len(audios) != 1 || len(videos) != 1 || len(stream.Tracks()) != 2 {
		return nil, nil, fmt.Errorf("%w: expected one audio and one video track, got %s",
			session.ErrUnsupportedConfiguration, stream)
	}
	audio, video = audios[0], videos[0]
	if audio.Codec() != f.AudioCodec() || video.Codec() != f.VideoCodec() {
		return nil, nil, fmt.Errorf("%w: tracks %s/%s do not match %s",
			session.ErrUnsupportedConfiguration, audio.Codec(), video.Codec(), f)
	}
	return audio, video, nil
}

func (s *WebmSink) Start(ctx context.Context, stream *media.Stream, f media.Format) (session.Recording, error) {
	audio, video, err := s.validate(stream, f)
	if err != nil {
		return nil, err
	}

	queue := s.cfg.SampleQueueSize
	if queue <= 0 {
		queue = 16
	}

	r := &WebmRecording{
		cfg:    s.cfg,
		format: f,
		audio:  audio,
		video:  video,
		out:    NewChunkWriter(s.cfg.ChunkSize, queue),
		done:   make(chan struct{}),
		logger: log.WithField("session", ctx.Value("session")),
	}
	// the recording outlives the start request
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(2)
	go r.readLoop(r.audio, r.writeAudio)
	go r.readLoop(r.video, r.writeVideo)
	go func() {
		r.wg.Wait()
		r.finish()
	}()
	r.m.Lock()
	r.requestKeyframe()
	r.m.Unlock()

	appstats.OnRecordingStarted(f.String())
	r.logger.Infof("webm recording started: %s", f)
	return r, nil
}

// WebmRecording is one active muxing run.
type WebmRecording struct {
	cfg    config.Recorder
	format media.Format
	audio  media.Track
	video  media.Track
	out    *ChunkWriter
	logger *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	m                              sync.Mutex
	audioWriter, videoWriter       webm.BlockWriteCloser
	audioTimestamp, videoTimestamp time.Duration
	ivf                            *IVFWriter
	pendingAudio                   []media.Sample
	keyframeRequested              time.Time
	started                        bool
	closed                         bool
	err                            error
	stats                          Stats
}

type Stats struct {
	VideoFrames  int           `json:"videoFrames"`
	KeyFrames    int           `json:"keyFrames"`
	AudioSamples int           `json:"audioSamples"`
	Dropped      int           `json:"dropped"`
	Bytes        int64         `json:"bytes"`
	Chunks       int           `json:"chunks"`
	Duration     time.Duration `json:"duration"`
}

func (r *WebmRecording) Chunks() <-chan []byte {
	return r.out.Chunks()
}

func (r *WebmRecording) Stop() {
	r.cancel()
}

// Done is closed once every chunk has been delivered.
func (r *WebmRecording) Done() <-chan struct{} {
	return r.done
}

func (r *WebmRecording) Err() error {
	r.m.Lock()
	defer r.m.Unlock()
	return r.err
}

func (r *WebmRecording) Stats() Stats {
	r.m.Lock()
	defer r.m.Unlock()
	st := r.stats
	st.Bytes, st.Chunks = r.out.Written()
	st.Duration = r.videoTimestamp
	return st
}

// Locked
func (r *WebmRecording) fail(err error) {
	if r.err == nil {
		r.err = err
		r.logger.Errorf("webm recording failed: %v", err)
	}
	r.cancel()
}

func (r *WebmRecording) readLoop(track media.Track, write func(media.Sample)) {
	defer r.wg.Done()
	for {
		sample, err := track.ReadSample(r.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.logger.Debugf("%s track %s ended", track.Kind(), track.ID())
			} else if r.ctx.Err() == nil {
				r.m.Lock()
				r.fail(fmt.Errorf("%s track read: %w", track.Kind(), err))
				r.m.Unlock()
			}
			return
		}
		if len(sample.Data) == 0 {
			continue
		}
		write(sample)
	}
}

func (r *WebmRecording) writeAudio(s media.Sample) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.closed {
		r.stats.Dropped++
		return
	}
	if !r.started {
		// held until the first keyframe opens the timeline
		if len(r.pendingAudio) == maxPendingAudio {
			r.pendingAudio = r.pendingAudio[1:]
			r.stats.Dropped++
		}
		r.pendingAudio = append(r.pendingAudio, s)
		return
	}
	r.writeAudioBlock(s)
}

// Locked
func (r *WebmRecording) writeAudioBlock(s media.Sample) {
	if _, err := r.audioWriter.Write(true, int64(r.audioTimestamp/time.Millisecond), s.Data); err != nil {
		r.fail(fmt.Errorf("audio write: %w", err))
		return
	}
	r.audioTimestamp += s.Duration
	r.stats.AudioSamples++
	appstats.OnSampleWritten("audio", r.audio.Codec().String(), len(s.Data))
}

// Locked
func (r *WebmRecording) requestKeyframe() {
	kr, ok := r.video.(media.KeyframeRequester)
	if !ok || time.Since(r.keyframeRequested) < keyframeRetryInterval {
		return
	}
	r.keyframeRequested = time.Now()
	kr.RequestKeyframe()
}

func (r *WebmRecording) writeVideo(s media.Sample) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.closed {
		return
	}

	keyFrame := s.KeyFrame || media.IsKeyFrame(r.video.Codec(), s.Data)

	if !r.started {
		if !keyFrame {
			r.logger.Tracef("waiting for keyframe, dropping %d bytes", len(s.Data))
			r.stats.Dropped++
			r.requestKeyframe()
			return
		}
		width, height := r.video.Settings().Width, r.video.Settings().Height
		if w, h, ok := vp8Dimensions(r.video.Codec(), s.Data); ok {
			width, height = w, h
		}
		if err := r.initWriter(width, height); err != nil {
			r.fail(err)
			return
		}
	}

	pts := r.videoTimestamp
	if _, err := r.videoWriter.Write(keyFrame, int64(pts/time.Millisecond), s.Data); err != nil {
		r.fail(fmt.Errorf("video write: %w", err))
		return
	}
	if r.ivf != nil {
		if err := r.ivf.WriteFrame(s.Data, uint64(pts)*IVFTimebase/uint64(time.Second)); err != nil {
			r.logger.Warnf("ivf copy write failed, disabling: %v", err)
			_ = r.ivf.Close()
			r.ivf = nil
		}
	}

	r.videoTimestamp += s.Duration
	r.stats.VideoFrames++
	if keyFrame {
		r.stats.KeyFrames++
	}
	appstats.OnSampleWritten("video", r.video.Codec().String(), len(s.Data))
}

// Locked
func (r *WebmRecording) initWriter(width, height int) error {
	info := &webm.Info{
		TimecodeScale: 1000000, // 1ms
		MuxingApp:     internal.AppName,
		WritingApp:    internal.AppName,
	}

	tracks := []webm.TrackEntry{
		{
			Name:        "Video",
			TrackNumber: 1,
			TrackUID:    12345,
			CodecID:     webmCodecIDs[r.video.Codec()],
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
		{
			Name:        "Audio",
			TrackNumber: 2,
			TrackUID:    54321,
			CodecID:     webmCodecIDs[r.audio.Codec()],
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: 48000.0,
				Channels:          2,
			},
		},
	}

	writers, err := webm.NewSimpleBlockWriter(r.out, tracks, mkvcore.WithSegmentInfo(info))
	if err != nil {
		return fmt.Errorf("webm writer: %w", err)
	}
	r.videoWriter = writers[0]
	r.audioWriter = writers[1]
	r.started = true

	// audio that played before the keyframe starts the timeline and the
	// video follows after it
	pending := r.pendingAudio
	r.pendingAudio = nil
	for _, s := range pending {
		r.writeAudioBlock(s)
	}
	r.videoTimestamp = r.audioTimestamp

	if r.cfg.WriteIVFCopy {
		r.openIVFCopy(width, height)
	}

	r.logger.Infof("webm writers started with %dx%d video", width, height)
	return nil
}

// Locked
func (r *WebmRecording) openIVFCopy(width, height int) {
	fileMode, err := ParseFileMode(r.cfg.FileMode)
	if err != nil {
		r.logger.Warnf("ivf copy disabled: %v", err)
		return
	}
	file := filepath.Join(r.cfg.Directory, fmt.Sprintf("take-%s.ivf", uuid.New().String()))
	if r.ivf, err = CreateIVFFile(file, fileMode, r.video.Codec(), width, height); err != nil {
		r.logger.Warnf("ivf copy disabled: %v", err)
		r.ivf = nil
		return
	}
	r.logger.Infof("writing ivf copy to %s", file)
}

func (r *WebmRecording) finish() {
	r.m.Lock()
	r.closed = true
	if r.started {
		for _, w := range []webm.BlockWriteCloser{r.videoWriter, r.audioWriter} {
			if err := w.Close(); err != nil && r.err == nil {
				r.err = fmt.Errorf("webm close: %w", err)
			}
		}
	}
	if r.ivf != nil {
		if err := r.ivf.Close(); err != nil {
			r.logger.Warnf("ivf copy close failed: %v", err)
		}
	}
	stats := r.stats
	started := r.started
	r.m.Unlock()

	// block writers close the chunk writer once all of them are closed
	if !started {
		_ = r.out.Close()
	}
	bytes, chunks := r.out.Written()

	appstats.OnRecordingStopped(r.format.String())
	r.logger.Infof("webm writer closed: frames=%d, samples=%d, dropped=%d, bytes=%d, chunks=%d",
		stats.VideoFrames, stats.AudioSamples, stats.Dropped, bytes, chunks)
	close(r.done)
}

// vp8Dimensions reads width and height from a VP8 keyframe header (RFC 6386 9.1).
func vp8Dimensions(codec media.Codec, frame []byte) (int, int, bool) {
	if codec != media.CodecVP8 || !media.IsKeyFrame(codec, frame) || len(frame) < 10 {
		return 0, 0, false
	}
	raw := uint(frame[6]) | uint(frame[7])<<8 | uint(frame[8])<<16 | uint(frame[9])<<24
	width := int(raw & 0x3FFF)
	height := int((raw >> 16) & 0x3FFF)
	if width < 16 || height < 16 {
		return 0, 0, false
	}
	return width, height, true
}
