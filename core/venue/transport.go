// Package venue implements the two exchange gateways (spot and perp), their
// private order streams, and the stream-to-store ingestion task. Transport
// concerns live here: request signing, rate limiting, retry on transient
// failure, and normalization of venue payloads into the engine's types.
package venue

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/metrics"
	"github.com/basisflow/hedge-engine/core/types"
)

// httpDoer is the slice of *http.Client the transport uses; tests substitute
// an httptest-backed client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpError carries a non-2xx response through the retry policy.
type httpError struct {
	status int
	body   []byte
}

func (e *httpError) Error() string {
	return "venue returned HTTP " + http.StatusText(e.status)
}

// retryable reports whether the failure is worth retrying: transport errors
// and 5xx responses are; 4xx responses are the venue refusing the request and
// retrying them would just repeat the refusal.
func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.status >= 500
	}
	return true
}

// transport is one venue's rate-limited, retrying HTTP layer. Signing stays
// with the gateway because each venue signs differently; the builder is
// invoked per attempt so timestamps and signatures are fresh on every retry.
type transport struct {
	venue   types.Venue
	client  httpDoer
	limiter *rate.Limiter

	// newBackOff returns the retry policy for one logical request. Production
	// uses exponential 2s/4s/8s with three retries; tests inject zero waits.
	newBackOff func() backoff.BackOff
}

func newTransport(venue types.Venue, requestsPerSecond float64) *transport {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &transport{
		venue:   venue,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.Multiplier = 2
			b.RandomizationFactor = 0
			b.MaxInterval = 8 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// do executes one signed request. build is called per attempt; the returned
// body is the raw venue response for the gateway to decode. Non-2xx responses
// come back as *httpError so gateways can read venue error codes out of the
// body.
func (t *transport) do(ctx context.Context, op string, build func() (*http.Request, error)) ([]byte, error) {
	var body []byte

	attempt := func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := build()
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "building request"))
		}
		req = req.WithContext(ctx)

		started := time.Now()
		resp, err := t.client.Do(req)
		metrics.VenueRequestDuration.WithLabelValues(string(t.venue), op).
			Observe(time.Since(started).Seconds())
		if err != nil {
			logging.Logger.Warn("venue request failed",
				zap.String("venue", string(t.venue)),
				zap.String("op", op),
				zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "reading response")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			he := &httpError{status: resp.StatusCode, body: data}
			if !retryable(he) {
				return backoff.Permanent(he)
			}
			logging.Logger.Warn("venue request rejected, will retry",
				zap.String("venue", string(t.venue)),
				zap.String("op", op),
				zap.Int("status", resp.StatusCode))
			return he
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(t.newBackOff(), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, errors.Wrapf(err, "%s %s", t.venue, op)
	}
	return body, nil
}

// zeroBackOff is the test policy: retries without waiting.
func zeroBackOff(maxRetries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries)
	}
}
