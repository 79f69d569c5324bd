package link

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/postalsys/handlemesh/internal/protocol"
)

// rateLimitedWriter caps link write throughput with a token bucket. The
// burst holds one maximum-size frame so that every frame write can be
// admitted.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newRateLimitedWriter returns w unchanged when bytesPerSecond <= 0.
func newRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	return &rateLimitedWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), protocol.MaxFrameSize),
		ctx:     ctx,
	}
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	select {
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	default:
	}

	if err := w.limiter.WaitN(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
