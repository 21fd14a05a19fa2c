package bitbucketapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gct-tools/bb-contrib/internal/metrics"
	"github.com/gct-tools/bb-contrib/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxRetries is the number of additional attempts after a failed request.
// Retries are immediate, matching the remote's observed tolerance; a single
// very slow endpoint is bounded by the transport timeout instead.
const maxRetries = 3

// Credentials authenticate against the Bitbucket Server REST API.
type Credentials struct {
	Username    string
	AppPassword string
}

// TransportConfig configures the underlying HTTP client.
type TransportConfig struct {
	Timeout time.Duration
	// InsecureSkipVerify disables certificate validation. This is an explicit
	// opt-in for deployments fronted by internal certificate authorities.
	InsecureSkipVerify bool
}

// NewHTTPClient builds the HTTP client used for all Bitbucket requests.
func NewHTTPClient(cfg TransportConfig) *http.Client {
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.InsecureSkipVerify {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit config opt-in
		client.Transport = transport
	}
	return client
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteError carries the last observed status and body after retries are
// exhausted.
type RemoteError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bitbucket request %s failed: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client issues authenticated GET requests with a bounded retry policy.
type Client struct {
	doer   HTTPDoer
	creds  Credentials
	logger *zap.Logger
	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
}

// NewClient creates a Bitbucket request client.
func NewClient(doer HTTPDoer, creds Credentials, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		doer:   doer,
		creds:  creds,
		logger: logger,
		Sleep:  time.Sleep,
	}
}

// Get fetches one URL, retrying up to maxRetries additional times on a
// transport error or non-2xx status. Each failure is logged; after the last
// attempt the call fails with a RemoteError carrying the final status and body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("bb-contrib/internal/bitbucketapi").Start(
			ctx,
			"bitbucketapi.client.get",
			trace.WithAttributes(attribute.String("http.url", url)),
		)
		defer span.End()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RemoteRetries.Inc()
			c.Sleep(0)
		}

		body, err := c.getOnce(ctx, url)
		if err == nil {
			if span != nil {
				span.SetAttributes(attribute.Int("bitbucket.attempts", attempt+1))
				span.SetStatus(codes.Ok, "request completed")
			}
			outcome := "ok"
			if attempt > 0 {
				outcome = "retried_ok"
			}
			metrics.RemoteRequests.WithLabelValues(outcome).Inc()
			return body, nil
		}

		lastErr = err
		c.logger.Warn("bitbucket request failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if span != nil {
			span.RecordError(err)
		}
	}

	if span != nil {
		span.SetStatus(codes.Error, lastErr.Error())
	}
	metrics.RemoteRequests.WithLabelValues("failed").Inc()
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.creds.Username, c.creds.AppPassword)

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitbucket request %s failed: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
	return body, nil
}
