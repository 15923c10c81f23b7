// Package security implements the Security Manager from spec.md §4.6: the
// device secret, the pairing handshake, and local access token
// minting/validation with constant-time comparison.
//
// Device-secret storage follows auth.APIKeyProvider's style
// (crypto/subtle.ConstantTimeCompare for validation); token minting
// follows ServiceAccountProvider's HMAC-SHA256-signed-payload shape
// (internal/auth/service_account.go). The pairing handshake is built from
// golang.org/x/crypto's hkdf and curve25519 sub-packages: an X25519
// Diffie-Hellman exchange with an HKDF-derived confirmation/MAC key. This
// is a deliberate simplification of real SPAKE2 (no password-blinded
// group element) — acceptable because spec.md §1 explicitly puts new
// cryptographic primitive design out of scope.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/applianced/applianced/internal/settingsstore"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"
)

const (
	maxConcurrentSessions = 3
	sessionExpiry          = 1 * time.Minute
	lockoutWindow           = 10 * time.Minute
	lockoutDuration         = 30 * time.Minute
	lockoutThreshold        = 5
	tokenTTL                = 1 * time.Hour
)

type pairingSession struct {
	models.PairingSession
	devicePrivate [32]byte
	macKey        [32]byte
	cancelExpiry  contracts.CancelFunc
}

// Manager is the Security Manager. Safe for concurrent use.
type Manager struct {
	settings *settingsstore.Store
	runner   contracts.TaskRunner

	// certFingerprint stands in for the HTTPS listener's real certificate
	// fingerprint; TLS socket ownership is an external collaborator (spec.md
	// §1 Non-goals), so applianced is handed this value at construction
	// rather than computing it.
	certFingerprint []byte

	mu           sync.Mutex
	sessions     map[string]*pairingSession
	failures     []time.Time
	lockoutUntil time.Time
	limiter      *rate.Limiter
}

// New builds a Manager. certFingerprint is the TLS certificate fingerprint
// the pairing channel-binding step returns to the client.
func New(settings *settingsstore.Store, runner contracts.TaskRunner, certFingerprint []byte) *Manager {
	return &Manager{
		settings:        settings,
		runner:          runner,
		certFingerprint: certFingerprint,
		sessions:        map[string]*pairingSession{},
		limiter:         rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// EnsureDeviceSecret generates a 32-byte random device secret on first
// start if one is not already persisted (spec.md §4.6).
func (m *Manager) EnsureDeviceSecret() (string, error) {
	return m.settings.EnsureDeviceSecret(func() (string, error) {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(buf), nil
	})
}

// PairingStart begins a handshake (spec.md §4.6 step 1). It returns the
// session id and the device's ephemeral commitment (its X25519 public key).
func (m *Manager) PairingStart(mode models.PairingMode, code string) (sessionID string, deviceCommitment []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Now().Before(m.lockoutUntil) {
		return "", nil, contracts.NewError(contracts.DomainPrivet, "pairingLocked", "too many failed pairing attempts")
	}
	if len(m.sessions) >= maxConcurrentSessions {
		return "", nil, contracts.NewError(contracts.DomainPrivet, "pairingSessionLimit", "too many concurrent pairing sessions")
	}

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", nil, contracts.Wrap(contracts.DomainBuffet, "rng_failed", "generating pairing keypair", err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	id := uuid.NewString()
	sess := &pairingSession{
		PairingSession: models.PairingSession{
			SessionID: id,
			Mode:      mode,
			Code:      code,
			Expiry:    time.Now().Add(sessionExpiry),
		},
		devicePrivate: priv,
	}
	if m.runner != nil {
		sess.cancelExpiry = m.runner.PostDelayed(func() { m.expireSession(id) }, sessionExpiry)
	}
	m.sessions[id] = sess

	return id, pub[:], nil
}

func (m *Manager) expireSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok && !sess.Confirmed {
		delete(m.sessions, id)
	}
}

// PairingConfirm completes the key exchange (spec.md §4.6 step 2): it
// derives the shared MAC key from the client's commitment and returns the
// configured TLS certificate fingerprint for channel binding.
func (m *Manager) PairingConfirm(sessionID string, clientCommitment []byte) (certFingerprint []byte, err error) {
	if !m.limiter.Allow() {
		return nil, contracts.NewError(contracts.DomainPrivet, "pairingThrottled", "too many pairing-confirm attempts")
	}
	if len(clientCommitment) != 32 {
		m.recordFailure()
		return nil, contracts.NewError(contracts.DomainPrivet, "pairingInvalidCommitment", "client commitment must be 32 bytes")
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		m.recordFailure()
		return nil, contracts.NewError(contracts.DomainPrivet, "pairingSessionNotFound", sessionID)
	}
	if time.Now().After(sess.Expiry) {
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.recordFailure()
		return nil, contracts.NewError(contracts.DomainPrivet, "pairingSessionExpired", sessionID)
	}

	var clientPub [32]byte
	copy(clientPub[:], clientCommitment)
	sharedBytes, err := curve25519.X25519(sess.devicePrivate[:], clientPub[:])
	if err != nil {
		m.mu.Unlock()
		m.recordFailure()
		return nil, contracts.Wrap(contracts.DomainPrivet, "pairingKeyExchangeFailed", "deriving shared secret", err)
	}
	var shared [32]byte
	copy(shared[:], sharedBytes)

	kdf := hkdf.New(sha256.New, shared[:], []byte(sessionID), []byte("applianced-pairing-mac"))
	var macKey [32]byte
	if _, err := kdf.Read(macKey[:]); err != nil {
		m.mu.Unlock()
		return nil, contracts.Wrap(contracts.DomainBuffet, "hkdf_failed", "deriving MAC key", err)
	}

	sess.macKey = macKey
	sess.Confirmed = true
	m.mu.Unlock()

	return m.certFingerprint, nil
}

// PairingCancel terminates a session regardless of its state.
func (m *Manager) PairingCancel(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return contracts.NewError(contracts.DomainPrivet, "pairingSessionNotFound", sessionID)
	}
	if sess.cancelExpiry != nil {
		sess.cancelExpiry()
	}
	delete(m.sessions, sessionID)
	return nil
}

// Authenticate verifies the client's MAC over nonce for a confirmed
// session and mints an owner-scope access token (spec.md §4.6 step 3).
func (m *Manager) Authenticate(sessionID string, nonce, clientMAC []byte) (*models.AccessToken, string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || !sess.Confirmed {
		m.mu.Unlock()
		m.recordFailure()
		return nil, "", contracts.NewError(contracts.DomainPrivet, "pairingNotConfirmed", sessionID)
	}
	expected := hmac.New(sha256.New, sess.macKey[:])
	expected.Write(nonce)
	expectedMAC := expected.Sum(nil)
	m.mu.Unlock()

	if subtle.ConstantTimeCompare(expectedMAC, clientMAC) != 1 {
		m.recordFailure()
		return nil, "", contracts.NewError(contracts.DomainPrivet, "pairingMacMismatch", "nonce MAC did not verify")
	}

	deviceSecret, err := m.deviceSecretBytes()
	if err != nil {
		return nil, "", err
	}

	token, access := m.mintToken(deviceSecret, sessionID, models.RoleOwner, tokenTTL)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	return &access, token, nil
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.failures = append(m.failures, now)

	cutoff := now.Add(-lockoutWindow)
	kept := m.failures[:0:0]
	for _, t := range m.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.failures = kept

	if len(m.failures) >= lockoutThreshold {
		m.lockoutUntil = now.Add(lockoutDuration)
		m.failures = nil
	}
}

func (m *Manager) deviceSecretBytes() ([]byte, error) {
	secret := m.settings.Get().DeviceSecret
	if secret == "" {
		return nil, contracts.NewError(contracts.DomainBuffet, "no_device_secret", "device secret not initialized")
	}
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, contracts.Wrap(contracts.DomainBuffet, "device_secret_corrupt", "decoding device secret", err)
	}
	return decoded, nil
}

// tokenPayload is the MACed blob described in spec.md §3.
type tokenPayload struct {
	UserID   string      `json:"user_id"`
	Role     models.Role `json:"role"`
	Scope    models.Role `json:"scope"`
	IssuedAt int64       `json:"issued_at"`
	Expiry   int64       `json:"expiry"`
}

func (m *Manager) mintToken(deviceSecret []byte, userID string, role models.Role, ttl time.Duration) (string, models.AccessToken) {
	now := time.Now()
	payload := tokenPayload{
		UserID:   userID,
		Role:     role,
		Scope:    role,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(ttl).Unix(),
	}
	encoded, _ := json.Marshal(payload)

	mac := hmac.New(sha256.New, deviceSecret)
	mac.Write(encoded)
	sig := mac.Sum(nil)

	token := base64.RawURLEncoding.EncodeToString(encoded) + "." + base64.RawURLEncoding.EncodeToString(sig)

	access := models.AccessToken{
		Token:     token,
		UserID:    userID,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	return token, access
}

// ValidateToken verifies a bearer token's signature and expiry in constant
// time and returns the identity it encodes (spec.md §4.6, §4.7).
func (m *Manager) ValidateToken(token string) (*models.AccessToken, error) {
	deviceSecret, err := m.deviceSecretBytes()
	if err != nil {
		return nil, err
	}

	parts := splitToken(token)
	if parts == nil {
		return nil, contracts.NewError(contracts.DomainPrivet, "authorizationMissing", "malformed token")
	}
	encoded, sig := parts[0], parts[1]

	payloadBytes, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, contracts.NewError(contracts.DomainPrivet, "authorizationMissing", "malformed token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, contracts.NewError(contracts.DomainPrivet, "authorizationMissing", "malformed token signature")
	}

	mac := hmac.New(sha256.New, deviceSecret)
	mac.Write(payloadBytes)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, sigBytes) != 1 {
		return nil, contracts.NewError(contracts.DomainPrivet, "authorizationExpired", "token signature invalid")
	}

	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, contracts.NewError(contracts.DomainPrivet, "authorizationMissing", "malformed token payload")
	}

	expiry := time.Unix(payload.Expiry, 0)
	if time.Now().After(expiry) {
		return nil, contracts.NewError(contracts.DomainPrivet, "authorizationExpired", "token has expired")
	}

	return &models.AccessToken{
		Token:     token,
		UserID:    payload.UserID,
		Role:      payload.Scope,
		IssuedAt:  time.Unix(payload.IssuedAt, 0),
		ExpiresAt: expiry,
	}, nil
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return nil
}

// MintAnonymousToken mints a token for user "anonymous" at the given role,
// with the same tokenTTL as pairing tokens (spec.md §4.7). The Privet /auth
// handler passes the anonymous access role configured in Settings.
func (m *Manager) MintAnonymousToken(role models.Role) (*models.AccessToken, string, error) {
	deviceSecret, err := m.deviceSecretBytes()
	if err != nil {
		return nil, "", err
	}
	token, access := m.mintToken(deviceSecret, "anonymous", role, tokenTTL)
	return &access, token, nil
}
