package contracts

import (
	"context"
	"time"
)

// HTTPResponse is the result of one HTTPClient.Send call.
type HTTPResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// HTTPClient is the external HTTP transport collaborator (spec §6).
// Bearer-authenticated Cloud calls go through internal/cloudclient for its
// auth/401 handling; internal/token.Manager and Controller.Register call
// it directly for the unauthenticated token and registration requests.
type HTTPClient interface {
	Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*HTTPResponse, error)
}

// TaskRunner is the external cooperative scheduler collaborator (spec §5, §6).
// All controller/security state transitions run as tasks posted here so
// there is a single place that owns ordering and cancellation.
type TaskRunner interface {
	// Post enqueues fn to run as soon as the loop is free; FIFO among
	// tasks posted at the same tier.
	Post(fn func())
	// PostDelayed enqueues fn to run no earlier than delay from now;
	// delayed tasks fire in monotonic deadline order.
	PostDelayed(fn func(), delay time.Duration) CancelFunc
}

// CancelFunc cancels a previously scheduled delayed task. Safe to call
// more than once or after the task has already fired.
type CancelFunc func()

// ConfigStore is the external persisted key-value collaborator (spec §6).
// internal/settingsstore wraps this with the transaction discipline and
// typed Settings marshaling described in spec §3.
type ConfigStore interface {
	LoadDefaults(defaults map[string]string)
	LoadSettings() (string, error)
	SaveSettings(doc string) error
}

// NetworkObserver is the external connectivity collaborator (spec §6).
type NetworkObserver interface {
	// OnConnectivityChanged registers a callback invoked whenever the
	// network comes up or goes down. Returns an unsubscribe func.
	OnConnectivityChanged(fn func(connected bool)) CancelFunc
}

// WiFiController is the external Wi-Fi collaborator (spec §1, §6). Wi-Fi
// driver behavior is explicitly out of scope. No component in this module
// calls it; /privet/setup/start accepts ssid/passphrase but does not act on
// them.
type WiFiController interface {
	Connect(ctx context.Context, ssid, passphrase string) error
	StartAP(ssid string) error
	StopAP() error
}

// DNSSDPublisher is the external mDNS/DNS-SD collaborator (spec §1, §6).
// Payload formatting is out of scope; applianced only needs to push the
// current TXT record map whenever discovery-relevant state changes.
type DNSSDPublisher interface {
	Publish(serviceType string, port int, txt map[string]string) error
	Update(txt map[string]string) error
}
