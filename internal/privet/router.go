package privet

import (
	"encoding/json"
	"net/http"

	"github.com/applianced/applianced/internal/controller"
	"github.com/applianced/applianced/internal/security"
	"github.com/applianced/applianced/internal/settingsstore"
	"github.com/applianced/applianced/internal/statequeue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	catalogpkg "github.com/applianced/applianced/internal/catalog"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/middleware"
	"github.com/applianced/applianced/pkg/models"
)

// Handler bundles the non-owning references the Privet API dispatches to
// (spec.md §3 Ownership: "Privet handler holds weak references to
// controller, catalog, and security manager").
type Handler struct {
	controller *controller.Controller
	catalog    *catalogpkg.Catalog
	security   *security.Manager
	state      *statequeue.Queue
	settings   *settingsstore.Store
	chain      contracts.AuthProviderChain
}

// New builds a Handler and its auth provider chain.
func New(ctl *controller.Controller, cat *catalogpkg.Catalog, sec *security.Manager, state *statequeue.Queue, settings *settingsstore.Store) *Handler {
	chain := NewChain()
	chain.RegisterProvider(NewTokenProvider(sec))
	chain.RegisterProvider(NewAnonymousProvider(settings))

	return &Handler{
		controller: ctl,
		catalog:    cat,
		security:   sec,
		state:      state,
		settings:   settings,
		chain:      chain,
	}
}

// Router builds the chi-routed HTTP handler for every /privet/ route in
// spec.md §4.7's table, with CORS enabled for phone-app browsers
// (github.com/go-chi/cors used the same way in internal/api/router.go).
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))
	r.Use(h.authenticate)

	r.Route("/privet", func(r chi.Router) {
		r.Get("/info", h.handleInfo)
		r.Post("/auth", h.handleAuth)

		r.Route("/pairing", func(r chi.Router) {
			r.Post("/start", h.handlePairingStart)
			r.Post("/confirm", h.handlePairingConfirm)
			r.Post("/cancel", h.handlePairingCancel)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireRole(models.RoleManager))
			r.Post("/setup/start", h.handleSetupStart)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.requireRole(models.RoleViewer))
			r.Get("/setup/status", h.handleSetupStatus)
			r.Get("/commandDefs", h.handleCommandDefs)
			r.Get("/state", h.handleState)
		})

		r.Route("/commands", func(r chi.Router) {
			r.Post("/execute", h.handleCommandExecute)
			r.Get("/status", h.handleCommandStatus)
			r.Post("/cancel", h.handleCommandCancel)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "notFound", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "methodNotAllowed", "unsupported method")
	})

	return r
}

// authenticate resolves the caller's Identity (if any) and stores it in
// the request context. It rejects a request (401 authorizationExpired)
// only when a provider returns an error; per-route minimum roles are
// enforced by requireRole or by per-command checks.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.chain.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authorizationExpired", err.Error())
			return
		}
		if identity == nil {
			identity = &contracts.Identity{Subject: "", Role: models.RoleNone, Provider: "none"}
		}
		ctx := middleware.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireRole(min models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := middleware.IdentityFrom(r.Context())
			if identity == nil || identity.Provider == "none" {
				writeError(w, http.StatusUnauthorized, "authorizationMissing", "no Authorization header")
				return
			}
			if !identity.Role.AtLeast(min) {
				writeError(w, http.StatusUnauthorized, "authorizationExpired", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError emits the {error:{code,message}} shape spec.md §4.7 requires,
// with HTTP 200 reserved for success.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
