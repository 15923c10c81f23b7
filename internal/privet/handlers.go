package privet

import (
	"encoding/hex"
	"math/rand"
	"net/http"
	"strconv"

	"github.com/applianced/applianced/internal/command"
	"github.com/applianced/applianced/internal/controller"
	"github.com/applianced/applianced/pkg/middleware"
	"github.com/applianced/applianced/pkg/models"
)

func (h *Handler) commandByID(id string) (*command.Instance, bool) {
	return h.controller.CommandByID(id)
}

func decodeHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

func generatePinCode() string {
	return strconv.Itoa(1000 + rand.Intn(9000))
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	s := h.settings.Get()
	writeJSON(w, map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"location":    s.Location,
		"modelId":     s.ModelID,
		"oemName":     s.OEMName,
		"state":       h.controller.State(),
		"pairingModes": s.PairingModes,
		"commandDefs":  h.catalog.GetDefinitions(),
	})
}

type authRequest struct {
	SessionID string `json:"sessionId"`
	Nonce     string `json:"nonce"`
	Mac       string `json:"mac"`
	Anonymous bool   `json:"anonymous"`
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidParams", "malformed request body")
		return
	}

	if req.Anonymous {
		s := h.settings.Get()
		if !s.LocalAnonymousAccessRole.AtLeast(models.RoleViewer) {
			writeError(w, http.StatusUnauthorized, "authorizationMissing", "anonymous access is disabled")
			return
		}
		access, token, err := h.security.MintAnonymousToken(s.LocalAnonymousAccessRole)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authorizationMissing", err.Error())
			return
		}
		writeJSON(w, map[string]any{"access_token": token, "scope": access.Role, "expiry": access.ExpiresAt})
		return
	}

	access, token, err := h.security.Authenticate(req.SessionID, []byte(req.Nonce), decodeHex(req.Mac))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authorizationMissing", err.Error())
		return
	}
	writeJSON(w, map[string]any{"access_token": token, "scope": access.Role, "expiry": access.ExpiresAt})
}

type pairingStartRequest struct {
	Pairing string `json:"pairing"`
	Crypto  string `json:"crypto"`
}

func (h *Handler) handlePairingStart(w http.ResponseWriter, r *http.Request) {
	var req pairingStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidParams", "malformed request body")
		return
	}

	mode := models.PairingMode(req.Pairing)
	code := ""
	s := h.settings.Get()
	switch mode {
	case models.PairingEmbeddedCode:
		code = s.EmbeddedCode
	case models.PairingPinCode:
		code = generatePinCode()
	}

	sessionID, commitment, err := h.security.PairingStart(mode, code)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "pairingFailed", err.Error())
		return
	}
	writeJSON(w, map[string]any{"sessionId": sessionID, "deviceCommitment": encodeHex(commitment)})
}

type pairingConfirmRequest struct {
	SessionID        string `json:"sessionId"`
	ClientCommitment string `json:"clientCommitment"`
}

func (h *Handler) handlePairingConfirm(w http.ResponseWriter, r *http.Request) {
	var req pairingConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidParams", "malformed request body")
		return
	}

	fingerprint, err := h.security.PairingConfirm(req.SessionID, decodeHex(req.ClientCommitment))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "pairingFailed", err.Error())
		return
	}
	writeJSON(w, map[string]any{"certFingerprint": encodeHex(fingerprint)})
}

type pairingCancelRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) handlePairingCancel(w http.ResponseWriter, r *http.Request) {
	var req pairingCancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidParams", "malformed request body")
		return
	}
	if err := h.security.PairingCancel(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, "pairingFailed", err.Error())
		return
	}
	writeJSON(w, map[string]any{})
}

type setupStartRequest struct {
	Ssid          string `json:"ssid"`
	Passphrase    string `json:"passphrase"`
	ClaimTicketID string `json:"ticketId"`
}

func (h *Handler) handleSetupStart(w http.ResponseWriter, r *http.Request) {
	var req setupStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidParams", "malformed request body")
		return
	}
	if req.ClaimTicketID == "" {
		writeError(w, http.StatusBadRequest, "invalidParams", "ticketId is required")
		return
	}

	if err := h.controller.Register(r.Context(), registrationParamsFrom(req)); err != nil {
		writeError(w, http.StatusBadRequest, "setupFailed", err.Error())
		return
	}
	writeJSON(w, map[string]any{"state": h.controller.State()})
}

func (h *Handler) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"gcdState": h.controller.State()})
}

func (h *Handler) handleCommandDefs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.catalog.GetDefinitions())
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.state.Snapshot())
}

type commandExecuteRequest struct {
	Component  string         `json:"component"`
	Parameters map[string]any `json:"parameters"`
}

func (h *Handler) handleCommandExecute(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFrom(r.Context())
	var req commandExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidParams", "malformed request body")
		return
	}

	inst, err := h.controller.SubmitLocalCommand(r.Context(), req.Component, identity.Role, req.Parameters)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "insufficientRole", err.Error())
		return
	}
	writeJSON(w, inst.Snapshot())
}

type commandIDRequest struct {
	ID string `json:"id"`
}

func (h *Handler) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	inst, ok := h.commandByID(id)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknownCommand", id)
		return
	}
	writeJSON(w, inst.Snapshot())
}

func (h *Handler) handleCommandCancel(w http.ResponseWriter, r *http.Request) {
	var req commandIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidParams", "malformed request body")
		return
	}
	inst, ok := h.commandByID(req.ID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknownCommand", req.ID)
		return
	}
	patch, err := inst.Cancel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalidTransition", err.Error())
		return
	}
	writeJSON(w, patch)
}

func registrationParamsFrom(req setupStartRequest) controller.RegistrationParams {
	return controller.RegistrationParams{ClaimTicketID: req.ClaimTicketID}
}
