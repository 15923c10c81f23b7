// Package models holds the cross-cutting data types shared between the
// registration controller, the command pipeline, and the Privet handler.
//
// These types live in pkg/ (not internal/) so embedders of this module
// (an OEM agent, a test harness) can reference them directly without
// reaching into internal/.
package models

import "time"

// GcdState is the top-level connectivity state of the Registration/GCD
// controller (spec §3, §4.1).
type GcdState string

const (
	GcdUnconfigured      GcdState = "unconfigured"
	GcdInvalidCredentials GcdState = "invalid_credentials"
	GcdDisabled          GcdState = "disabled"
	GcdOffline           GcdState = "offline"
	GcdConnecting        GcdState = "connecting"
	GcdConnected         GcdState = "connected"
)

// PairingMode enumerates the local pairing codes a device can advertise.
type PairingMode string

const (
	PairingPinCode       PairingMode = "pinCode"
	PairingEmbeddedCode  PairingMode = "embeddedCode"
	PairingUltrasound32  PairingMode = "ultrasound32"
	PairingAudible32     PairingMode = "audible32"
)

// Role is the Privet authorization scope, ordered viewer < user < manager < owner.
type Role string

const (
	RoleNone    Role = "none"
	RoleViewer  Role = "viewer"
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleOwner   Role = "owner"
)

// roleRank gives the total order used by AtLeast.
var roleRank = map[Role]int{
	RoleNone:    0,
	RoleViewer:  1,
	RoleUser:    2,
	RoleManager: 3,
	RoleOwner:   4,
}

// AtLeast reports whether r satisfies a minimum role requirement.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Settings is the persisted document owned by the Config store (spec §3).
// Every field round-trips through JSON; updates only ever happen through
// settingsstore.Store.Update, which rewrites the whole document atomically.
type Settings struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	APIKey       string `json:"api_key"`
	OAuthURL     string `json:"oauth_url"`
	ServiceURL   string `json:"service_url"`

	OEMName   string `json:"oem_name"`
	ModelName string `json:"model_name"`
	ModelID   string `json:"model_id"`
	Name      string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`

	CloudID      string `json:"cloud_id"`
	RefreshToken string `json:"refresh_token"`
	RobotAccount string `json:"robot_account"`

	DeviceSecret string        `json:"device_secret"` // base64, >=16 bytes
	PairingModes []PairingMode `json:"pairing_modes"`
	EmbeddedCode string        `json:"embedded_code,omitempty"`

	LocalAnonymousAccessRole Role `json:"local_anonymous_access_role"`
	LocalDiscoveryEnabled    bool `json:"local_discovery_enabled"`
	LocalPairingEnabled      bool `json:"local_pairing_enabled"`
	WifiAutoSetupEnabled     bool `json:"wifi_auto_setup_enabled"`
	DisableSecurity          bool `json:"disable_security"` // test only
}

// Clone returns a deep-enough copy for safe concurrent read access
// (PairingModes is the only reference field).
func (s Settings) Clone() Settings {
	out := s
	out.PairingModes = append([]PairingMode(nil), s.PairingModes...)
	return out
}

// CommandState is the lifecycle state of a CommandInstance (spec §3).
type CommandState string

const (
	CommandQueued     CommandState = "queued"
	CommandInProgress CommandState = "inProgress"
	CommandPaused     CommandState = "paused"
	CommandError      CommandState = "error"
	CommandDone       CommandState = "done"
	CommandCancelled  CommandState = "cancelled"
	CommandAborted    CommandState = "aborted"
	CommandExpired    CommandState = "expired"
)

// Terminal reports whether the state is one the DAG has no outgoing edges from.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandDone, CommandCancelled, CommandAborted, CommandExpired:
		return true
	default:
		return false
	}
}

// CommandOrigin identifies who created a command instance.
type CommandOrigin string

const (
	OriginCloud CommandOrigin = "cloud"
	OriginLocal CommandOrigin = "local"
)

// CommandInstance is a server-issued (or locally submitted) command with a
// typed, schema-validated parameter set (spec §3, §4.4).
type CommandInstance struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Component    string         `json:"component"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Progress     map[string]any `json:"progress,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	Error        map[string]any `json:"error,omitempty"`
	State        CommandState   `json:"state"`
	Origin       CommandOrigin  `json:"origin"`
	CreationTime time.Time      `json:"creationTime"`
}

// StateChange is one property delta recorded by the state change queue (spec §3, §4.5).
type StateChange struct {
	ID           uint64    `json:"id"`
	PropertyPath string    `json:"property_path"`
	Value        any       `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
}

// PairingSession is the in-memory bookkeeping for one in-progress pairing
// handshake (spec §3, §4.6). The key-exchange state is not part of this
// type; internal/security keeps it in its own wrapper around it.
type PairingSession struct {
	SessionID string
	Mode      PairingMode
	Code      string
	Expiry    time.Time
	Confirmed bool
}

// AccessToken is the result of a successful Privet /auth exchange (spec §3).
type AccessToken struct {
	Token     string    `json:"access_token"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expiry"`
}
