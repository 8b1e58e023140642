package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/media"
	"github.com/ayobaapps/bgm-recorder/internal/session"
)

// WithPermissionTimeout bounds how long a capture request may stay
// unanswered. A request that times out counts as denied.
func WithPermissionTimeout(src session.CaptureSource, d time.Duration) session.CaptureSource {
	if d <= 0 {
		return src
	}
	return &timeoutSource{src: src, timeout: d}
}

type timeoutSource struct {
	src     session.CaptureSource
	timeout time.Duration
}

func (s *timeoutSource) RequestStream(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.src.RequestStream(ctx, c)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: no answer within %v", session.ErrPermissionDenied, s.timeout)
	}
	return stream, err
}
