package controller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/applianced/applianced/internal/catalog"
	"github.com/applianced/applianced/internal/cloudclient"
	"github.com/applianced/applianced/internal/command"
	"github.com/applianced/applianced/internal/scheduler"
	"github.com/applianced/applianced/internal/settingsstore"
	"github.com/applianced/applianced/internal/statequeue"
	"github.com/applianced/applianced/internal/token"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// fakeCloud stands in for Cloud's entire HTTP surface: the OAuth token
// endpoint, registration ticket PATCH/finalize, command-queue polling and
// PATCHing, and state upload. rejectTickets, when set, makes the
// registration PATCH/finalize routes fail so Register's error path can be
// exercised.
type fakeCloud struct {
	mu            sync.Mutex
	calls         []string
	rejectTickets bool
}

func (f *fakeCloud) Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*contracts.HTTPResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+url)
	f.mu.Unlock()

	switch {
	case strings.Contains(url, "registrationTickets/") && f.rejectTickets:
		return &contracts.HTTPResponse{Status: 404, Body: []byte(`{"error":{"code":"ticketNotFound","message":"no such ticket"}}`)}, nil

	case strings.Contains(url, "/finalize"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{
			"deviceDraft": {"id": "device-123"},
			"robotAccountEmail": "robot@example.com",
			"robotAccountAuthorizationCode": "auth-code-xyz"
		}`)}, nil

	case strings.HasSuffix(url, "/token"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{"access_token":"AT","refresh_token":"new-refresh-token","expires_in":3600}`)}, nil

	case method == "PATCH" && strings.Contains(url, "registrationTickets/"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{"deviceDraft": {"id": "device-123"}}`)}, nil

	case method == "GET" && strings.Contains(url, "/commands/queue"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{"commands":[]}`)}, nil

	case method == "PATCH" && strings.Contains(url, "/commands/"):
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{}`)}, nil

	case method == "POST" && strings.Contains(url, "/patchState"):
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

type testHarness struct {
	ctl      *Controller
	sched    *scheduler.Scheduler
	settings *settingsstore.Store
	cloud    *fakeCloud
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
		if seed != nil {
			seed(s)
		}
		return nil
	}))

	cloud := &fakeCloud{}
	tokens := token.New(cloud)
	client := cloudclient.New(cloud, tokens, credentialsAdapter{settings: settings}, 5*time.Second)

	ctl := New(settings, tokens, client, cloud, catalog.New(), command.NewRegistry(), statequeue.New(sched), sched)

	return &testHarness{ctl: ctl, sched: sched, settings: settings, cloud: cloud}
}

func (h *testHarness) close() {
	h.sched.Stop()
}

func waitForState(t *testing.T, ctl *Controller, want models.GcdState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctl.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, ctl.State())
}

func TestRegisterHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	err := h.ctl.Register(context.Background(), RegistrationParams{
		ClaimTicketID:   "ticket-1",
		Description:     "a test appliance",
		Location:        "kitchen",
		ModelManifestID: "model-1",
		Name:            "Test Oven",
	})
	require.NoError(t, err)

	settings := h.settings.Get()
	assert.Equal(t, "device-123", settings.CloudID)
	assert.Equal(t, "new-refresh-token", settings.RefreshToken)
	assert.Equal(t, "robot@example.com", settings.RobotAccount)

	waitForState(t, h.ctl, models.GcdConnected, 2*time.Second)
	h.ctl.NetworkLost() // stop the background poller/uploader before teardown
}

func TestRegisterFailureLeavesUnconfiguredAndSettingsUntouched(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()
	h.cloud.rejectTickets = true

	err := h.ctl.Register(context.Background(), RegistrationParams{ClaimTicketID: "ticket-1"})
	require.Error(t, err)

	assert.Equal(t, models.GcdUnconfigured, h.ctl.State())
	assert.Equal(t, "", h.settings.Get().RefreshToken)
	assert.Equal(t, "", h.settings.Get().CloudID)
}

func TestStartWithExistingRefreshTokenReachesConnected(t *testing.T) {
	h := newHarness(t, func(s *models.Settings) {
		s.RefreshToken = "existing-refresh-token"
		s.CloudID = "device-123"
	})
	defer h.close()

	require.NoError(t, h.ctl.Start(context.Background()))
	waitForState(t, h.ctl, models.GcdConnected, 2*time.Second)
	h.ctl.NetworkLost()
}

func TestStartWithNoRefreshTokenStaysUnconfigured(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	require.NoError(t, h.ctl.Start(context.Background()))
	assert.Equal(t, models.GcdUnconfigured, h.ctl.State())
}

func TestStartWithMissingServiceURLFails(t *testing.T) {
	sched := scheduler.New()
	defer sched.Stop()
	settings := settingsstore.New(&memConfigStore{})
	_, err := settings.Load()
	require.NoError(t, err)

	cloud := &fakeCloud{}
	tokens := token.New(cloud)
	client := cloudclient.New(cloud, tokens, credentialsAdapter{settings: settings}, 5*time.Second)
	ctl := New(settings, tokens, client, cloud, catalog.New(), command.NewRegistry(), statequeue.New(sched), sched)

	err = ctl.Start(context.Background())
	require.Error(t, err)
}

func TestNetworkLostAndRestoredCycle(t *testing.T) {
	h := newHarness(t, func(s *models.Settings) {
		s.RefreshToken = "existing-refresh-token"
		s.CloudID = "device-123"
	})
	defer h.close()

	require.NoError(t, h.ctl.Start(context.Background()))
	waitForState(t, h.ctl, models.GcdConnected, 2*time.Second)

	h.ctl.NetworkLost()
	assert.Equal(t, models.GcdOffline, h.ctl.State())

	h.ctl.NetworkRestored(context.Background())
	waitForState(t, h.ctl, models.GcdConnected, 2*time.Second)
	h.ctl.NetworkLost()
}

func TestResetReturnsToUnconfigured(t *testing.T) {
	h := newHarness(t, func(s *models.Settings) {
		s.RefreshToken = "existing-refresh-token"
		s.CloudID = "device-123"
	})
	defer h.close()

	require.NoError(t, h.ctl.Start(context.Background()))
	waitForState(t, h.ctl, models.GcdConnected, 2*time.Second)

	require.NoError(t, h.ctl.Reset())
	assert.Equal(t, models.GcdUnconfigured, h.ctl.State())
	assert.Equal(t, "", h.settings.Get().RefreshToken)
}

func TestSubmitLocalCommandDispatchesToHandler(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	require.NoError(t, h.ctl.catalog.LoadBase(map[string]*catalog.Definition{
		"light.turnOn": {
			MinimalRole: models.RoleUser,
			Parameters:  &catalog.Schema{Type: catalog.TypeObject},
		},
	}))

	var invoked bool
	var wg sync.WaitGroup
	wg.Add(1)
	h.ctl.RegisterCommandHandler("light.turnOn", func(ctx context.Context, inst *command.Instance) {
		invoked = true
		_, err := inst.Complete(map[string]any{"on": true})
		assert.NoError(t, err)
		wg.Done()
	})

	inst, err := h.ctl.SubmitLocalCommand(context.Background(), "light.turnOn", models.RoleOwner, map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, inst)

	wg.Wait()
	assert.True(t, invoked)
}

func TestSubmitLocalCommandRejectsInsufficientRole(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	require.NoError(t, h.ctl.catalog.LoadBase(map[string]*catalog.Definition{
		"door.lock": {MinimalRole: models.RoleManager, Parameters: &catalog.Schema{Type: catalog.TypeObject}},
	}))
	h.ctl.RegisterCommandHandler("door.lock", func(ctx context.Context, inst *command.Instance) {})

	_, err := h.ctl.SubmitLocalCommand(context.Background(), "door.lock", models.RoleViewer, map[string]any{})
	require.Error(t, err)
}

func TestCommandByIDFindsSubmittedCommand(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	require.NoError(t, h.ctl.catalog.LoadBase(map[string]*catalog.Definition{
		"light.turnOn": {MinimalRole: models.RoleUser, Parameters: &catalog.Schema{Type: catalog.TypeObject}},
	}))
	h.ctl.RegisterCommandHandler("light.turnOn", func(ctx context.Context, inst *command.Instance) {})

	inst, err := h.ctl.SubmitLocalCommand(context.Background(), "light.turnOn", models.RoleOwner, map[string]any{})
	require.NoError(t, err)

	found, ok := h.ctl.CommandByID(inst.Snapshot().ID)
	require.True(t, ok)
	assert.Same(t, inst, found)
}
