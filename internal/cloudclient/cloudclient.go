// Package cloudclient is the authenticated HTTP client wrapper from
// spec.md §4.1/§6: it builds Cloud request URLs, injects the bearer token
// from internal/token, and owns the "401 -> refresh -> retry once" policy
// for bearer-authenticated calls (command polling, state upload, command
// updates). Registration does not go through this package. 5xx and network
// failures are returned to the caller; the controller's retry loops pace
// themselves with NewBackoff.
//
// Grounded on internal/workflow.Engine's step-retry loop for the overall
// retry shape, and on github.com/cenkalti/backoff/v4 (promoted from an
// indirect dependency to direct and actually exercised here) for the
// exponential-backoff-with-jitter policy spec.md §4.1 specifies (initial
// 1s, factor 2, cap 5 min, +/-20% jitter).
package cloudclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/applianced/applianced/internal/token"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/applianced/applianced/internal/cloudclient")

// Param is one ordered query-string key/value pair. GetServiceURL preserves
// caller-given order (spec.md §8 scenario 1 is order-sensitive), which a
// plain map cannot guarantee.
type Param struct{ Key, Value string }

// GetServiceURL joins base and path and appends params in order, matching
// spec.md §8 scenario 1 exactly:
//
//	GetServiceURL("http://gcd.server.com/", "registrationTickets", Param{"key","K"}, Param{"restart","true"})
//	  == "http://gcd.server.com/registrationTickets?key=K&restart=true"
func GetServiceURL(base, path string, params ...Param) string {
	u := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(params) == 0 {
		return u
	}
	var b strings.Builder
	b.WriteString(u)
	b.WriteByte('?')
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// NewBackoff builds the exactly-specified retry policy (spec.md §4.1):
// initial 1s, factor 2, cap 5 min, +/-20% jitter. Used by the controller's
// token-refresh/connect and state-upload retry loops.
func NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // caller controls how long to keep retrying
	return b
}

// TokenSource supplies the credentials needed to mint/refresh a bearer
// token. internal/controller implements this over internal/settingsstore.
type TokenSource interface {
	Credentials() token.Credentials
}

// Client performs authenticated JSON requests against Cloud.
type Client struct {
	http    contracts.HTTPClient
	tokens  *token.Manager
	source  TokenSource
	timeout time.Duration
}

// New builds a Client. timeout bounds every individual request, defaulting
// to 30s per spec.md §5 if zero is given.
func New(http contracts.HTTPClient, tokens *token.Manager, source TokenSource, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: http, tokens: tokens, source: source, timeout: timeout}
}

// DoJSON performs one authenticated request with a JSON body (nil for no
// body) and decodes a JSON response into out (nil to discard the body). It
// implements the 401-refresh-retry-once rule from spec.md §4.1/§7 directly;
// retrying 5xx/network errors with backoff is the caller's responsibility
// (different callers want different retry durations/cancellation).
func (c *Client) DoJSON(ctx context.Context, method, url string, body, out any) (*contracts.HTTPResponse, error) {
	ctx, span := tracer.Start(ctx, "cloudclient."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", url),
		),
	)
	defer span.End()

	resp, err := c.doJSON(ctx, method, url, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}
	return resp, err
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out any) (*contracts.HTTPResponse, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, contracts.Wrap(contracts.DomainBuffet, "encode_failed", "encoding request body", err)
		}
	}

	resp, err := c.doOnce(ctx, method, url, encoded)
	if err != nil {
		return nil, err
	}

	if resp.Status == 401 {
		c.tokens.Invalidate()
		resp, err = c.doOnce(ctx, method, url, encoded)
		if err != nil {
			return nil, err
		}
		if resp.Status == 401 {
			return resp, contracts.NewError(contracts.DomainGCDServer, "unauthorized", "Cloud rejected credentials after refresh")
		}
	}

	if resp.Status/100 == 5 {
		return resp, contracts.NewError(contracts.DomainGCDServer, fmt.Sprintf("%d", resp.Status), "Cloud server error")
	}
	if resp.Status/100 == 4 {
		return resp, decodeGCDError(resp)
	}

	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, contracts.Wrap(contracts.DomainBuffet, "decode_failed", "decoding response body", err)
		}
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method, url string, body []byte) (*contracts.HTTPResponse, error) {
	creds := c.source.Credentials()
	accessToken, _, err := c.tokens.GetAccessToken(ctx, creds)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Content-Type":  "application/json; charset=utf-8",
	}

	resp, err := c.http.Send(ctx, method, url, headers, body, c.timeout)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("url", url).Msg("cloud request failed")
		return nil, contracts.Wrap(contracts.DomainNetwork, "network_error", "cloud request failed", err)
	}
	return resp, nil
}

func decodeGCDError(resp *contracts.HTTPResponse) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.Body, &body)
	code := body.Error.Code
	if code == "" {
		code = fmt.Sprintf("%d", resp.Status)
	}
	return contracts.NewError(contracts.DomainGCDServer, code, body.Error.Message)
}
