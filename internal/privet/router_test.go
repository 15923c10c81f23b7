package privet

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/applianced/applianced/internal/catalog"
	"github.com/applianced/applianced/internal/cloudclient"
	"github.com/applianced/applianced/internal/command"
	"github.com/applianced/applianced/internal/controller"
	"github.com/applianced/applianced/internal/scheduler"
	"github.com/applianced/applianced/internal/security"
	"github.com/applianced/applianced/internal/settingsstore"
	"github.com/applianced/applianced/internal/statequeue"
	"github.com/applianced/applianced/internal/token"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

type memConfigStore struct {
	mu  sync.Mutex
	doc string
}

func (m *memConfigStore) LoadDefaults(defaults map[string]string) {}
func (m *memConfigStore) LoadSettings() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc, nil
}
func (m *memConfigStore) SaveSettings(doc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	return nil
}

// fakeCloud answers every Cloud endpoint the Controller might touch during
// these tests; Privet tests never exercise registration or polling
// directly, but the Controller embedded in Handler still owns a poll loop
// once started, so it needs somewhere safe to send requests.
type fakeCloud struct{}

func (f *fakeCloud) Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*contracts.HTTPResponse, error) {
	switch {
	case strings.HasSuffix(url, "/token"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{"access_token":"AT","refresh_token":"RT","expires_in":3600}`)}, nil
	case strings.Contains(url, "/commands/queue"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{"commands":[]}`)}, nil
	case strings.Contains(url, "/patchState"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{}`)}, nil
	}
	return &contracts.HTTPResponse{Status: 404, Body: []byte(`{}`)}, nil
}

type credentialsAdapter struct {
	settings *settingsstore.Store
}

func (c credentialsAdapter) Credentials() token.Credentials {
	s := c.settings.Get()
	return token.Credentials{OAuthURL: s.OAuthURL, ClientID: s.ClientID, ClientSecret: s.ClientSecret, RefreshToken: s.RefreshToken}
}

func newTestHKDF(shared []byte, sessionID string) io.Reader {
	return hkdf.New(sha256.New, shared, []byte(sessionID), []byte("applianced-pairing-mac"))
}

func hmacSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// simulateClient performs the client side of the pairing handshake, mirroring
// a phone app driving /privet/pairing/start and /privet/pairing/confirm.
func simulateClient(t *testing.T, deviceCommitment []byte, sessionID string) (clientCommitment []byte, deriveMAC func(nonce []byte) []byte) {
	t.Helper()
	var clientPriv [32]byte
	clientPriv[0] = 9
	var clientPub [32]byte
	curve25519.ScalarBaseMult(&clientPub, &clientPriv)

	var devicePub [32]byte
	copy(devicePub[:], deviceCommitment)
	shared, err := curve25519.X25519(clientPriv[:], devicePub[:])
	require.NoError(t, err)

	return clientPub[:], func(nonce []byte) []byte {
		kdf := newTestHKDF(shared, sessionID)
		var macKey [32]byte
		_, err := kdf.Read(macKey[:])
		require.NoError(t, err)
		return hmacSum(macKey[:], nonce)
	}
}

type testHarness struct {
	handler  *Handler
	ctl      *controller.Controller
	catalog  *catalog.Catalog
	sched    *scheduler.Scheduler
	settings *settingsstore.Store
	security *security.Manager
	state    *statequeue.Queue
	server   *httptest.Server
}

func newHarness(t *testing.T, seed func(*models.Settings)) *testHarness {
	t.Helper()
	sched := scheduler.New()
	settings := settingsstore.New(&memConfigStore{})
	_, err := settings.Load()
	require.NoError(t, err)
	require.NoError(t, settings.Update(func(s *models.Settings) error {
		s.ServiceURL = "https://gcd.example.com/"
		s.OAuthURL = "https://oauth.example.com/"
		s.APIKey = "test-api-key"
		s.ClientID = "client-id"
		s.ClientSecret = "client-secret"
		s.Name = "Test Oven"
		s.Description = "a test appliance"
		s.Location = "kitchen"
		s.ModelID = "model-1"
		s.OEMName = "Acme"
		s.PairingModes = []models.PairingMode{models.PairingPinCode}
		if seed != nil {
			seed(s)
		}
		return nil
	}))

	cloud := &fakeCloud{}
	tokens := token.New(cloud)
	client := cloudclient.New(cloud, tokens, credentialsAdapter{settings: settings}, 5*time.Second)
	cat := catalog.New()
	reg := command.NewRegistry()
	state := statequeue.New(sched)
	ctl := controller.New(settings, tokens, client, cloud, cat, reg, state, sched)
	sec := security.New(settings, sched, []byte("cert-fingerprint"))
	_, err = sec.EnsureDeviceSecret()
	require.NoError(t, err)

	handler := New(ctl, cat, sec, state, settings)
	server := httptest.NewServer(handler.Router())

	return &testHarness{handler: handler, ctl: ctl, catalog: cat, sched: sched, settings: settings, security: sec, state: state, server: server}
}

// registerLightHandler loads a single base catalog component and wires a
// handler that immediately completes the command, so /commands/execute has
// something real to dispatch to.
func registerLightHandler(t *testing.T, h *testHarness) {
	t.Helper()
	require.NoError(t, h.catalog.LoadBase(map[string]*catalog.Definition{
		"light.turnOn": {
			MinimalRole: models.RoleUser,
			Parameters:  &catalog.Schema{Type: catalog.TypeObject},
		},
	}))
	h.ctl.RegisterCommandHandler("light.turnOn", func(ctx context.Context, inst *command.Instance) {
		_, _ = inst.Complete(map[string]any{"on": true})
	})
}

func (h *testHarness) close() {
	h.server.Close()
	h.sched.Stop()
}

func (h *testHarness) do(t *testing.T, method, path, auth string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestInfoIsReachableWithoutAuth(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	resp := h.do(t, http.MethodGet, "/privet/info", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "Test Oven", body["name"])
	assert.Equal(t, "kitchen", body["location"])
}

func TestSetupStatusRequiresAuth(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	resp := h.do(t, http.MethodGet, "/privet/setup/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeJSON(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "authorizationMissing", errObj["code"])
}

func TestCommandDefsRequiresAtLeastViewer(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	_, token := anonymousToken(t, h, models.RoleNone)
	resp := h.do(t, http.MethodGet, "/privet/commandDefs", "Privet "+token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCommandDefsAllowedForViewer(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	_, token := anonymousToken(t, h, models.RoleViewer)
	resp := h.do(t, http.MethodGet, "/privet/commandDefs", "Privet "+token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupStartRequiresManagerRole(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	_, token := anonymousToken(t, h, models.RoleViewer)
	resp := h.do(t, http.MethodPost, "/privet/setup/start", "Privet "+token, map[string]any{"ticketId": "ticket-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnonymousAccessDisabledByDefault(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	resp := h.do(t, http.MethodPost, "/privet/auth", "", map[string]any{"anonymous": true})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnonymousAccessGrantsConfiguredRole(t *testing.T) {
	h := newHarness(t, func(s *models.Settings) {
		s.LocalAnonymousAccessRole = models.RoleViewer
	})
	defer h.close()

	resp := h.do(t, http.MethodPost, "/privet/auth", "", map[string]any{"anonymous": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "viewer", body["scope"])
	assert.NotEmpty(t, body["access_token"])
}

func TestPairingHandshakeThroughHTTP(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	startResp := h.do(t, http.MethodPost, "/privet/pairing/start", "", map[string]any{"pairing": "pinCode"})
	require.Equal(t, http.StatusOK, startResp.StatusCode)
	startBody := decodeJSON(t, startResp)
	sessionID := startBody["sessionId"].(string)
	deviceCommitment := decodeHex(startBody["deviceCommitment"].(string))
	require.Len(t, deviceCommitment, 32)

	clientCommitment, deriveMAC := simulateClient(t, deviceCommitment, sessionID)
	confirmResp := h.do(t, http.MethodPost, "/privet/pairing/confirm", "", map[string]any{
		"sessionId":        sessionID,
		"clientCommitment": encodeHex(clientCommitment),
	})
	require.Equal(t, http.StatusOK, confirmResp.StatusCode)
	confirmBody := decodeJSON(t, confirmResp)
	assert.Equal(t, encodeHex([]byte("cert-fingerprint")), confirmBody["certFingerprint"])

	nonce := "challenge-nonce"
	mac := deriveMAC([]byte(nonce))
	authResp := h.do(t, http.MethodPost, "/privet/auth", "", map[string]any{
		"sessionId": sessionID,
		"nonce":     nonce,
		"mac":       encodeHex(mac),
	})
	require.Equal(t, http.StatusOK, authResp.StatusCode)
	authBody := decodeJSON(t, authResp)
	assert.Equal(t, "owner", authBody["scope"])
	assert.NotEmpty(t, authBody["access_token"])
}

func TestPairingCancelEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	startResp := h.do(t, http.MethodPost, "/privet/pairing/start", "", map[string]any{"pairing": "pinCode"})
	startBody := decodeJSON(t, startResp)
	sessionID := startBody["sessionId"].(string)

	cancelResp := h.do(t, http.MethodPost, "/privet/pairing/cancel", "", map[string]any{"sessionId": sessionID})
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)

	confirmResp := h.do(t, http.MethodPost, "/privet/pairing/confirm", "", map[string]any{
		"sessionId":        sessionID,
		"clientCommitment": encodeHex(make([]byte, 32)),
	})
	assert.Equal(t, http.StatusUnauthorized, confirmResp.StatusCode)
}

func TestCommandExecuteDispatchesAndStatusReflectsCompletion(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	registerLightHandler(t, h)
	_, ownerToken := anonymousToken(t, h, models.RoleOwner)

	execResp := h.do(t, http.MethodPost, "/privet/commands/execute", "Privet "+ownerToken, map[string]any{
		"component":  "light.turnOn",
		"parameters": map[string]any{},
	})
	require.Equal(t, http.StatusOK, execResp.StatusCode)
	execBody := decodeJSON(t, execResp)
	id := execBody["id"].(string)
	require.NotEmpty(t, id)

	waitForCommandState(t, h, ownerToken, id, "done", 2*time.Second)
}

func TestCommandExecuteRejectsInsufficientRole(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	registerLightHandler(t, h)
	_, viewerToken := anonymousToken(t, h, models.RoleViewer)

	resp := h.do(t, http.MethodPost, "/privet/commands/execute", "Privet "+viewerToken, map[string]any{
		"component":  "light.turnOn",
		"parameters": map[string]any{},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCommandStatusUnknownIDIsBadRequest(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	_, viewerToken := anonymousToken(t, h, models.RoleViewer)
	resp := h.do(t, http.MethodGet, "/privet/commands/status?id=no-such-command", "Privet "+viewerToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStateEndpointReflectsQueueSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	h.state.Notify("temperature", 72.0, time.Now())
	_, viewerToken := anonymousToken(t, h, models.RoleViewer)

	resp := h.do(t, http.MethodGet, "/privet/state", "Privet "+viewerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, 72.0, body["temperature"])
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	resp := h.do(t, http.MethodGet, "/privet/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// anonymousToken mints a bearer token at the given role directly through the
// Security manager, bypassing the anonymous-access-role setting, so routes
// can be exercised at specific roles regardless of the device's configured
// anonymous policy.
func anonymousToken(t *testing.T, h *testHarness, role models.Role) (*models.AccessToken, string) {
	t.Helper()
	access, tok, err := h.security.MintAnonymousToken(role)
	require.NoError(t, err)
	return access, tok
}

func waitForCommandState(t *testing.T, h *testHarness, auth, id, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp := h.do(t, http.MethodGet, "/privet/commands/status?id="+id, "Privet "+auth, nil)
		body := decodeJSON(t, resp)
		if body["state"] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for command %s to reach state %s", id, want)
}
