package mixer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const opusClockRate = 48000

// track is a fully decoded background track kept in memory so every take can
// replay it from the beginning.
type track struct {
	url      string
	channels uint8
	samples  []media.Sample
	duration time.Duration
}

// open reads a local path or an http(s) url.
func open(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return os.Open(strings.TrimPrefix(url, "file://"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: %s", url, resp.Status)
	}
	return resp.Body, nil
}

var ErrTrackTooLarge = errors.New("background track too large")

func loadTrack(ctx context.Context, client *http.Client, url string, limit int64) (*track, error) {
	rc, err := open(ctx, client, url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// the whole file is buffered so a slow remote does not stall playback
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTrackTooLarge, url, limit)
	}
	return decodeOgg(url, bytes.NewReader(b))
}

// decodeOgg splits the track into single Opus packets. The identification
// header is validated by oggreader; the data pages follow on the same reader.
func decodeOgg(url string, r io.Reader) (*track, error) {
	_, header, err := oggreader.NewWith(r)
	if err != nil {
		return nil, fmt.Errorf("%s is not an ogg/opus file: %w", url, err)
	}

	t := &track{url: url, channels: header.Channels}
	packets := media.NewOpusPacketReader(r)
	for {
		packet, d, err := packets.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", url, err)
		}
		t.samples = append(t.samples, media.Sample{Data: packet, Duration: d, KeyFrame: true})
		t.duration += d
	}

	if len(t.samples) == 0 {
		return nil, fmt.Errorf("%s has no audio packets", url)
	}
	return t, nil
}
