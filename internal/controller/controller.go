// Package controller implements the Registration/GCD controller from
// spec.md §4.1: the top-level GcdState state machine, the claim/finalize
// registration protocol, command long-polling, and state upload.
//
// Grounded on internal/workflow.Engine (a long-lived struct owning an HTTP
// client, a map of in-flight cancelable work, and a step-retry loop with
// backoff) and internal/process.Manager's single-owner lifecycle tracking.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/applianced/applianced/internal/catalog"
	"github.com/applianced/applianced/internal/cloudclient"
	"github.com/applianced/applianced/internal/command"
	"github.com/applianced/applianced/internal/settingsstore"
	"github.com/applianced/applianced/internal/statequeue"
	"github.com/applianced/applianced/internal/token"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// CommandHandler is the device-application callback invoked for every
// validated command (spec.md §4.1). It runs the command and is expected to
// drive inst's lifecycle (SetProgress/Complete/Abort/...) as work proceeds.
type CommandHandler func(ctx context.Context, inst *command.Instance)

// Controller is the Registration/GCD controller. It owns the Cloud token
// manager and HTTP client exclusively (spec.md §3 Ownership); the Privet
// handler only ever holds a non-owning reference to it.
type Controller struct {
	settings *settingsstore.Store
	tokens   *token.Manager
	cloud    *cloudclient.Client
	http     contracts.HTTPClient // unauthenticated calls only: registration ticket PATCH/finalize/token exchange
	catalog  *catalog.Catalog
	commands *command.Registry
	state    *statequeue.Queue
	runner   contracts.TaskRunner

	handlersMu sync.RWMutex
	handlers   map[string]CommandHandler

	mu             sync.Mutex
	gcdState       models.GcdState
	cancelPoll     contracts.CancelFunc
	ackWatermark   uint64
	uploadInFlight bool
	stateCh        func(models.GcdState)
}

// New builds a Controller wired over its collaborators. cloud's
// TokenSource must read credentials from the same settings store, as this
// Controller's Credentials does; pkg/server.New wires an equivalent
// adapter over the shared Store.
func New(settings *settingsstore.Store, tokens *token.Manager, cloud *cloudclient.Client, http contracts.HTTPClient, cat *catalog.Catalog, commands *command.Registry, state *statequeue.Queue, runner contracts.TaskRunner) *Controller {
	return &Controller{
		settings: settings,
		tokens:   tokens,
		cloud:    cloud,
		http:     http,
		catalog:  cat,
		commands: commands,
		state:    state,
		runner:   runner,
		handlers: map[string]CommandHandler{},
		gcdState: models.GcdUnconfigured,
	}
}

// Credentials implements cloudclient.TokenSource.
func (c *Controller) Credentials() token.Credentials {
	s := c.settings.Get()
	return token.Credentials{
		OAuthURL:     s.OAuthURL,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RefreshToken: s.RefreshToken,
	}
}

// OnStateChange registers a callback fired whenever GcdState changes. Only
// one subscriber is supported, matching the Privet handler's single
// "current state" read path.
func (c *Controller) OnStateChange(fn func(models.GcdState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCh = fn
}

// State returns the current GcdState.
func (c *Controller) State() models.GcdState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gcdState
}

// RegisterCommandHandler wires the device-application callback for a
// component.name command.
func (c *Controller) RegisterCommandHandler(name string, handler CommandHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[name] = handler
}

// CommandByID returns the live command instance for id, if any. Exposed so
// the Privet handler can serve /commands/status and /commands/cancel
// without owning the registry itself (spec.md §3 Ownership).
func (c *Controller) CommandByID(id string) (*command.Instance, bool) {
	return c.commands.Get(id)
}

func (c *Controller) handlerFor(name string) (CommandHandler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

func (c *Controller) setState(next models.GcdState) {
	c.mu.Lock()
	prev := c.gcdState
	c.gcdState = next
	cb := c.stateCh
	c.mu.Unlock()
	if prev != next {
		log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("gcd state transition")
		if cb != nil {
			cb(next)
		}
	}
}

// Start loads Settings and establishes the initial GcdState (spec.md §4.1
// "Settings load" trigger, §8 scenario 6). It treats an empty service_url
// or oauth_url as a hard configuration error (the Open Question spec.md
// §9 leaves unresolved; applianced fails loudly rather than spinning
// forever in connecting against nothing).
func (c *Controller) Start(ctx context.Context) error {
	s, err := c.settings.Load()
	if err != nil {
		return err
	}
	if s.ServiceURL == "" || s.OAuthURL == "" {
		return contracts.NewError(contracts.DomainGCD, "missing_configuration", "service_url and oauth_url must be configured")
	}

	if s.RefreshToken == "" {
		c.setState(models.GcdUnconfigured)
		return nil
	}

	c.setState(models.GcdConnecting)
	c.runner.Post(func() { c.refreshAndConnect(ctx, cloudclient.NewBackoff()) })
	return nil
}

// refreshAndConnect performs one refresh attempt and, on transient
// failure, schedules a retry through the backoff policy. It is the single
// place spec.md §4.1's "Token refresh" triggers are implemented.
func (c *Controller) refreshAndConnect(ctx context.Context, bo backoff.BackOff) {
	if c.State() == models.GcdInvalidCredentials || c.State() == models.GcdUnconfigured {
		return
	}

	creds := c.Credentials()
	_, _, err := c.tokens.GetAccessToken(ctx, creds)
	if err == nil {
		c.setState(models.GcdConnected)
		c.startPolling(ctx)
		c.startStateUpload(ctx)
		return
	}

	if _, persistent := err.(*token.PersistentError); persistent {
		c.setState(models.GcdInvalidCredentials)
		return
	}

	c.setState(models.GcdConnecting)
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	c.runner.PostDelayed(func() { c.refreshAndConnect(ctx, bo) }, delay)
}

// NetworkLost implements spec.md §4.1's "Network loss" trigger: any state
// except unconfigured/invalid_credentials moves to offline and pollers
// suspend.
func (c *Controller) NetworkLost() {
	cur := c.State()
	if cur == models.GcdUnconfigured || cur == models.GcdInvalidCredentials {
		return
	}
	c.stopPolling()
	c.stopStateUpload()
	c.setState(models.GcdOffline)
}

// NetworkRestored resumes connecting and restarts the backoff sequence
// from scratch (spec.md §4.1).
func (c *Controller) NetworkRestored(ctx context.Context) {
	if c.State() != models.GcdOffline {
		return
	}
	c.setState(models.GcdConnecting)
	c.runner.Post(func() { c.refreshAndConnect(ctx, cloudclient.NewBackoff()) })
}

// Reset implements spec.md §4.1's "Explicit reset" trigger: refresh_token,
// cloud_id, robot_account, and the cached access token are erased
// atomically and the controller returns to unconfigured.
func (c *Controller) Reset() error {
	c.stopPolling()
	c.stopStateUpload()
	c.tokens.Invalidate()
	if err := c.settings.Reset(); err != nil {
		return err
	}
	c.setState(models.GcdUnconfigured)
	return nil
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPoll != nil {
		c.cancelPoll()
		c.cancelPoll = nil
	}
}

func (c *Controller) stopStateUpload() {
	c.state.Subscribe(nil)
}

// withCloudTimeout wraps ctx with the default per-call timeout from spec.md §5.
func withCloudTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
