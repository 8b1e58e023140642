package mixer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/catalog"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	log "github.com/sirupsen/logrus"
)

var (
	_ session.Mixer = (*Mixer)(nil)
	_ session.Node  = (*Node)(nil)

	ErrNotConnected = errors.New("no background track connected")
)

// Monitor receives the background audio so the user hears it while
// recording.
type Monitor interface {
	WriteSample(s media.Sample) error
}

const defaultMaxTrackSize = 64 << 20

// Mixer builds background nodes for one session.
type Mixer struct {
	cfg      config.Mixer
	client   *http.Client
	monitors []Monitor
	logger   *log.Entry
}

func New(ctx context.Context, cfg config.Mixer, monitors ...Monitor) *Mixer {
	return &Mixer{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		monitors: monitors,
		logger:   log.WithField("session", ctx.Value("session")),
	}
}

func (m *Mixer) NewNode() (session.Node, error) {
	return &Node{
		cfg:      m.cfg,
		client:   m.client,
		monitors: m.monitors,
		logger:   m.logger,
		cache:    make(map[string]*track),
	}, nil
}

// Node plays one background track at a time into a destination track and
// the monitors.
type Node struct {
	cfg      config.Mixer
	client   *http.Client
	monitors []Monitor
	logger   *log.Entry

	mu      sync.Mutex
	cache   map[string]*track
	current *track
	dest    *media.SampleTrack
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

func (n *Node) Connect(ctx context.Context, entry catalog.Entry) (media.Track, error) {
	n.Stop()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, errors.New("background node closed")
	}
	t, ok := n.cache[entry.URL]
	n.mu.Unlock()

	if !ok {
		var err error
		limit := n.cfg.MaxTrackSize
		if limit <= 0 {
			limit = defaultMaxTrackSize
		}
		if t, err = loadTrack(ctx, n.client, entry.URL, limit); err != nil {
			return nil, fmt.Errorf("background track %s: %w", entry.ID, err)
		}
		n.logger.Infof("background track %s loaded: packets=%d, duration=%v", entry.ID, len(t.samples), t.duration)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache[entry.URL] = t
	n.current = t

	queue := n.cfg.MonitorQueueSize
	if queue <= 0 {
		queue = 32
	}
	n.dest = media.NewSampleTrack("bgm-"+entry.ID, media.CodecOpus, media.TrackSettings{
		SampleRate: opusClockRate,
		Channels:   uint16(t.channels),
	}, queue)
	return n.dest, nil
}

// Play starts from the first page. The destination track ends when the
// background track is over.
func (n *Node) Play() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.current == nil || n.dest == nil {
		return ErrNotConnected
	}
	if n.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.play(ctx, n.current, n.dest, n.done)
	return nil
}

func (n *Node) play(ctx context.Context, t *track, dest *media.SampleTrack, done chan struct{}) {
	defer close(done)
	defer dest.Stop()

	start := time.Now()
	var elapsed time.Duration
	monitorFailed := make([]bool, len(n.monitors))

	for i, s := range t.samples {
		if n.cfg.Realtime && i > 0 {
			timer := time.NewTimer(time.Until(start.Add(elapsed)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		if err := dest.Push(ctx, s); err != nil {
			return
		}
		for j, m := range n.monitors {
			if err := m.WriteSample(s); err != nil && !monitorFailed[j] {
				monitorFailed[j] = true
				n.logger.Warnf("monitor write failed: %v", err)
			}
		}
		elapsed += s.Duration
	}
	n.logger.Debugf("background track %s finished after %v", t.url, elapsed)
}

// Stop pauses and rewinds. The destination track reports end of stream.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel, done, dest := n.cancel, n.done, n.dest
	n.cancel, n.done, n.dest = nil, nil, nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if dest != nil {
		dest.Stop()
	}
}

func (n *Node) Close() error {
	n.Stop()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.current = nil
	n.cache = make(map[string]*track)
	return nil
}
