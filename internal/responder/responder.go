// Package responder produces the answer text for requests the guardian lets
// through.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Prompt is the input to a responder.
type Prompt struct {
	SubjectID string
	SessionID string
	Text      string
	// System is an optional system instruction, e.g. a warning preamble.
	System string
}

type Responder interface {
	Respond(ctx context.Context, p Prompt) (string, error)
}

// EchoResponder answers without any external service.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, p Prompt) (string, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return "", errors.New("empty prompt")
	}
	return "Received: " + text, nil
}

// retryable is implemented by errors that know whether a retry could help.
type retryable interface {
	Retryable() bool
}

type retrier struct {
	next      Responder
	attempts  int
	baseDelay time.Duration
	sleep     func(context.Context, time.Duration) error
}

// WithRetry retries r with exponential backoff (baseDelay, 2*baseDelay, ...)
// up to attempts calls in total. Errors that report themselves as not
// retryable are returned immediately.
func WithRetry(r Responder, attempts int, baseDelay time.Duration) Responder {
	if attempts < 1 {
		attempts = 1
	}
	return &retrier{next: r, attempts: attempts, baseDelay: baseDelay, sleep: sleepCtx}
}

func (r *retrier) Respond(ctx context.Context, p Prompt) (string, error) {
	var err error
	delay := r.baseDelay
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var out string
		out, err = r.next.Respond(ctx, p)
		if err == nil {
			return out, nil
		}
		var re retryable
		if errors.As(err, &re) && !re.Retryable() {
			return "", err
		}
		if attempt == r.attempts {
			break
		}
		log.Warn().Err(err).Str("component", "responder").Int("attempt", attempt).Dur("backoff", delay).Msg("responder failed, retrying")
		if serr := r.sleep(ctx, delay); serr != nil {
			return "", serr
		}
		delay *= 2
	}
	return "", fmt.Errorf("responder failed after %d attempts: %w", r.attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
