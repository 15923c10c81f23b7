// Package token implements the OAuth2 Token Manager from spec.md §4.2: it
// acquires and refreshes Cloud access tokens, coalesces concurrent refresh
// callers onto a single outstanding HTTP request, and classifies OAuth
// error responses per spec.md §4.1/§7.
//
// Grounded on the HMAC service-account credential style of
// internal/auth/service_account.go for the overall "credential manager"
// shape, and on golang.org/x/oauth2's Token type for expiry bookkeeping;
// OAuth error bodies are decoded into a local struct. The refresh POST is
// hand-built because the form-field set and WebParam encoding are exact
// contractual requirements (spec.md §4.2, §8 scenario 2), not something
// oauth2.Config.TokenSource can be trusted to produce byte-for-byte.
package token

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/applianced/applianced/pkg/contracts"
	"golang.org/x/oauth2"
)

// refreshBeforeExpiry mirrors spec.md §4.2: refresh if now+60s >= expiry.
const refreshBeforeExpiry = 60 * time.Second

// Credentials is the subset of Settings the token manager needs to perform
// a refresh. Callers (internal/controller) pass a fresh snapshot on every
// call since Settings can change underneath (e.g. after a reset).
type Credentials struct {
	OAuthURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Manager is the Token Manager collaborator. It is safe for concurrent use;
// concurrent GetAccessToken callers during an in-flight refresh all observe
// the same result (spec.md §8: "at most one outstanding HTTP request").
type Manager struct {
	http contracts.HTTPClient

	mu      sync.Mutex
	token   oauth2.Token
	inFlight *inflightRefresh
}

type inflightRefresh struct {
	done  chan struct{}
	token oauth2.Token
	err   error
}

// New builds a Manager with no cached token.
func New(client contracts.HTTPClient) *Manager {
	return &Manager{http: client}
}

// GetAccessToken returns a valid bearer token, refreshing first if the
// cached token is empty or within refreshBeforeExpiry of its expiry.
// Concurrent callers during a refresh share the single in-flight request.
func (m *Manager) GetAccessToken(ctx context.Context, creds Credentials) (string, time.Time, error) {
	if creds.RefreshToken == "" {
		return "", time.Time{}, contracts.NewError(contracts.DomainBuffet, "unauthorized", "no refresh_token available")
	}

	m.mu.Lock()
	cur := m.token
	needsRefresh := cur.AccessToken == "" || time.Now().Add(refreshBeforeExpiry).After(cur.Expiry)
	if !needsRefresh {
		m.mu.Unlock()
		return cur.AccessToken, cur.Expiry, nil
	}

	if m.inFlight != nil {
		wait := m.inFlight
		m.mu.Unlock()
		<-wait.done
		if wait.err != nil {
			return "", time.Time{}, wait.err
		}
		return wait.token.AccessToken, wait.token.Expiry, nil
	}

	flight := &inflightRefresh{done: make(chan struct{})}
	m.inFlight = flight
	m.mu.Unlock()

	tok, err := m.refresh(ctx, creds)

	m.mu.Lock()
	if err == nil {
		m.token = tok
	}
	m.inFlight = nil
	m.mu.Unlock()

	flight.token = tok
	flight.err = err
	close(flight.done)

	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}

// Invalidate clears the cached token, e.g. after an explicit reset.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = oauth2.Token{}
}

func (m *Manager) refresh(ctx context.Context, creds Credentials) (oauth2.Token, error) {
	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": creds.RefreshToken,
		"client_id":     creds.ClientID,
		"client_secret": creds.ClientSecret,
	}
	body := EncodeWebParam(form)

	resp, err := m.http.Send(ctx, "POST", strings.TrimSuffix(creds.OAuthURL, "/")+"/token",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		[]byte(body), 30*time.Second)
	if err != nil {
		return oauth2.Token{}, contracts.Wrap(contracts.DomainNetwork, "network_error", "refresh request failed", err)
	}

	if resp.Status/100 != 2 {
		return oauth2.Token{}, classifyOAuthError(resp)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return oauth2.Token{}, contracts.Wrap(contracts.DomainOAuth2, "invalid_response", "token response was not valid JSON", err)
	}
	if payload.AccessToken == "" {
		return oauth2.Token{}, contracts.NewError(contracts.DomainOAuth2, "invalid_response", "token response missing access_token")
	}

	tok := oauth2.Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	return tok, nil
}

// classifyOAuthError implements spec.md §4.1's OAuth error-field
// classification table. persistentCodes get a single permanent
// invalid_credentials-flavored error; everything else (including unknown
// codes, per spec.md's Open Question) is treated as transient so the
// controller retries with backoff.
var persistentCodes = map[string]bool{
	"invalid_grant":        true,
	"invalid_client":       true,
	"unauthorized_client":  true,
	"access_denied":        true,
	"invalid_request":      true, // programmer error, but also non-retryable
	"unsupported_grant_type": true,
}

func classifyOAuthError(resp *contracts.HTTPResponse) error {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(resp.Body, &body)

	code := body.Error
	if code == "" {
		code = "server_error"
	}

	oerr := contracts.NewError(contracts.DomainOAuth2, code, body.ErrorDescription)
	if persistentCodes[code] {
		return &PersistentError{Err: oerr}
	}
	return oerr
}

// PersistentError marks an OAuth error as non-retryable (spec.md §4.1:
// invalid_grant/invalid_client/unauthorized_client/access_denied/
// invalid_request/unsupported_grant_type all drive the controller straight
// to invalid_credentials with no retry scheduled).
type PersistentError struct {
	Err error
}

func (e *PersistentError) Error() string { return e.Err.Error() }
func (e *PersistentError) Unwrap() error { return e.Err }

// EncodeWebParam encodes form as application/x-www-form-urlencoded using
// RFC 3986 percent-encoding of reserved characters, with "+" for space
// (spec.md §4.2, §8 round-trip property). Keys are emitted in a fixed
// order (grant_type, refresh_token, client_id, client_secret, code,
// redirect_uri, scope) so output is deterministic; keys outside that list
// are not encoded.
func EncodeWebParam(form map[string]string) string {
	order := []string{"grant_type", "refresh_token", "client_id", "client_secret", "code", "redirect_uri", "scope"}
	var b strings.Builder
	first := true
	for _, k := range order {
		v, ok := form[k]
		if !ok {
			continue
		}
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(webParamEscape(k))
		b.WriteByte('=')
		b.WriteString(webParamEscape(v))
	}
	return b.String()
}

// isWebParamUnreserved reports membership in the RFC 3986 unreserved set: ALPHA / DIGIT / "-" /
// "." / "_" / "~".
func isWebParamUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

func webParamEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			b.WriteByte('+')
		case isWebParamUnreserved(c):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigit(c >> 4))
			b.WriteByte(hexDigit(c & 0xF))
		}
	}
	return b.String()
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

// DecodeWebParam is the inverse of EncodeWebParam, used by the round-trip
// test (spec.md §8).
func DecodeWebParam(encoded string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(encoded, "&") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		key := webParamUnescape(parts[0])
		val := ""
		if len(parts) == 2 {
			val = webParamUnescape(parts[1])
		}
		out[key] = val
	}
	return out
}

func webParamUnescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				hi := unhex(s[i+1])
				lo := unhex(s[i+2])
				b.WriteByte(hi<<4 | lo)
				i += 2
			}
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}
