// Package server performs the top-level wiring of every applianced
// component, following the pkg/server.New / buildServer convention: one
// constructor that takes the external collaborators (spec.md §6) and
// returns a ready-to-run Server.
package server

import (
	"context"
	"net/http"

	"github.com/applianced/applianced/internal/catalog"
	"github.com/applianced/applianced/internal/cloudclient"
	"github.com/applianced/applianced/internal/command"
	"github.com/applianced/applianced/internal/config"
	"github.com/applianced/applianced/internal/controller"
	"github.com/applianced/applianced/internal/privet"
	"github.com/applianced/applianced/internal/scheduler"
	"github.com/applianced/applianced/internal/security"
	"github.com/applianced/applianced/internal/settingsstore"
	"github.com/applianced/applianced/internal/statequeue"
	"github.com/applianced/applianced/internal/telemetry"
	"github.com/applianced/applianced/internal/token"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
)

// Server bundles every wired component. Embedders that need direct access
// to a subsystem (e.g. to register a CommandHandler) reach through the
// exported fields rather than through internal/ packages.
type Server struct {
	Config     *config.Config
	Settings   *settingsstore.Store
	Catalog    *catalog.Catalog
	Commands   *command.Registry
	State      *statequeue.Queue
	Security   *security.Manager
	Controller *controller.Controller
	Privet     *privet.Handler
	Scheduler  *scheduler.Scheduler

	shutdownTelemetry func(context.Context) error
}

// settingsCredentialSource adapts settingsstore.Store to
// cloudclient.TokenSource without routing through the controller, so the
// cloud client can be constructed before the controller that owns it.
type settingsCredentialSource struct {
	settings *settingsstore.Store
}

func (s *settingsCredentialSource) Credentials() token.Credentials {
	set := s.settings.Get()
	return token.Credentials{
		OAuthURL:     set.OAuthURL,
		ClientID:     set.ClientID,
		ClientSecret: set.ClientSecret,
		RefreshToken: set.RefreshToken,
	}
}

// New wires every component over the supplied collaborators. httpClient and
// configStore are the only mandatory external collaborators (spec.md §6);
// certFingerprint stands in for the HTTPS listener's certificate hash used
// in channel-bound pairing confirmation.
func New(cfg *config.Config, httpClient contracts.HTTPClient, configStore contracts.ConfigStore, certFingerprint []byte) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New()

	settings := settingsstore.New(configStore)
	if _, err := settings.Load(); err != nil {
		shutdownTelemetry(context.Background())
		sched.Stop()
		return nil, err
	}

	if err := seedCloudDefaults(settings, cfg); err != nil {
		shutdownTelemetry(context.Background())
		sched.Stop()
		return nil, err
	}

	tokens := token.New(httpClient)
	cloud := cloudclient.New(httpClient, tokens, &settingsCredentialSource{settings: settings}, cfg.Cloud.HTTPTimeout)

	cat := catalog.New()
	commands := command.NewRegistry()
	stateQueue := statequeue.New(sched)

	ctl := controller.New(settings, tokens, cloud, httpClient, cat, commands, stateQueue, sched)

	sec := security.New(settings, sched, certFingerprint)
	if _, err := sec.EnsureDeviceSecret(); err != nil {
		shutdownTelemetry(context.Background())
		sched.Stop()
		return nil, err
	}

	ph := privet.New(ctl, cat, sec, stateQueue, settings)

	return &Server{
		Config:            cfg,
		Settings:          settings,
		Catalog:           cat,
		Commands:          commands,
		State:             stateQueue,
		Security:          sec,
		Controller:        ctl,
		Privet:            ph,
		Scheduler:         sched,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// seedCloudDefaults writes cfg's Cloud defaults into Settings the first
// time the agent runs with no persisted service_url/oauth_url, so
// Controller.Start's "missing_configuration" check (an Open Question
// decision recorded in DESIGN.md) only fires for a genuinely empty
// configuration.
func seedCloudDefaults(settings *settingsstore.Store, cfg *config.Config) error {
	current := settings.Get()
	if current.ServiceURL != "" && current.OAuthURL != "" {
		return nil
	}
	return settings.Update(func(set *models.Settings) error {
		if set.ServiceURL == "" {
			set.ServiceURL = cfg.Cloud.ServiceURL
		}
		if set.OAuthURL == "" {
			set.OAuthURL = cfg.Cloud.OAuthURL
		}
		return nil
	})
}

// HTTPHandler returns the Privet API's http.Handler, ready to mount on an
// http.Server (spec.md §6: the HTTP listener itself is an external
// collaborator).
func (s *Server) HTTPHandler() http.Handler {
	return s.Privet.Router()
}

// Start loads Settings (again, idempotently) and establishes the initial
// GcdState, starting command polling and state upload if already
// registered (spec.md §4.1).
func (s *Server) Start(ctx context.Context) error {
	return s.Controller.Start(ctx)
}

// Shutdown stops the task scheduler and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Scheduler.Stop()
	return s.shutdownTelemetry(ctx)
}
