package controller

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/applianced/applianced/internal/catalog"
	"github.com/applianced/applianced/internal/cloudclient"
	"github.com/applianced/applianced/internal/token"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
)

// RegistrationParams supplies the device-draft fields the caller (Privet
// /setup/start, or an external channel) has collected (spec.md §4.1).
type RegistrationParams struct {
	ClaimTicketID   string
	Description     string
	Location        string
	ModelManifestID string
	Name            string
}

type deviceDraft struct {
	Channel         channelInfo         `json:"channel"`
	Description     string              `json:"description"`
	Location        string              `json:"location"`
	ModelManifestID string              `json:"modelManifestId"`
	Name            string              `json:"name"`
	CommandDefs     map[string]*catalog.Definition `json:"commandDefs"`
	State           map[string]any      `json:"state"`
}

type channelInfo struct {
	SupportedType string `json:"supportedType"`
}

type patchTicketRequest struct {
	ID            string      `json:"id"`
	OAuthClientID string      `json:"oauthClientId"`
	DeviceDraft   deviceDraft `json:"deviceDraft"`
}

type patchTicketResponse struct {
	DeviceDraft struct {
		ID string `json:"id"`
	} `json:"deviceDraft"`
}

type finalizeResponse struct {
	DeviceDraft struct {
		ID string `json:"id"`
	} `json:"deviceDraft"`
	RobotAccountEmail             string `json:"robotAccountEmail"`
	RobotAccountAuthorizationCode string `json:"robotAccountAuthorizationCode"`
}

// Register runs the two-phase claim/finalize protocol plus the token
// exchange (spec.md §4.1). None of the three calls carry a bearer token —
// the PATCH/finalize steps authenticate via the api_key query parameter
// and the token exchange is the thing that produces a token in the first
// place — so this bypasses internal/cloudclient (which exists to inject
// and refresh a *Bearer* token) and talks to the raw HTTPClient collaborator
// directly, the same way internal/token.Manager does for its own refresh
// POST. Nothing is persisted until all three steps succeed; on any failure
// no Settings change and the controller returns to unconfigured. Claim and
// finalize failures are returned as gcd-domain errors, token-exchange
// failures as oauth2-domain errors, and a failure to persist the result as
// the settings store reported it.
func (c *Controller) Register(ctx context.Context, params RegistrationParams) error {
	s := c.settings.Get()

	ctx, cancel := withCloudTimeout(ctx)
	defer cancel()

	patchURL := cloudclient.GetServiceURL(s.ServiceURL, "registrationTickets/"+params.ClaimTicketID,
		cloudclient.Param{Key: "key", Value: s.APIKey})

	req := patchTicketRequest{
		ID:            params.ClaimTicketID,
		OAuthClientID: s.ClientID,
		DeviceDraft: deviceDraft{
			Channel:         channelInfo{SupportedType: "pull"},
			Description:     params.Description,
			Location:        params.Location,
			ModelManifestID: params.ModelManifestID,
			Name:            params.Name,
			CommandDefs:     c.catalog.GetDefinitions(),
			State:           c.state.Snapshot(),
		},
	}

	var patchResp patchTicketResponse
	if err := c.sendJSON(ctx, "PATCH", patchURL, req, &patchResp); err != nil {
		c.failRegistration()
		return contracts.Wrap(contracts.DomainGCD, "registration_patch_failed", "claiming registration ticket", err)
	}

	finalizeURL := cloudclient.GetServiceURL(s.ServiceURL, "registrationTickets/"+params.ClaimTicketID+"/finalize",
		cloudclient.Param{Key: "key", Value: s.APIKey})

	var finalizeResp finalizeResponse
	if err := c.sendJSON(ctx, "POST", finalizeURL, nil, &finalizeResp); err != nil {
		c.failRegistration()
		return contracts.Wrap(contracts.DomainGCD, "registration_finalize_failed", "finalizing registration ticket", err)
	}

	form := token.EncodeWebParam(map[string]string{
		"grant_type":    "authorization_code",
		"code":          finalizeResp.RobotAccountAuthorizationCode,
		"client_id":     s.ClientID,
		"client_secret": s.ClientSecret,
		"redirect_uri":  "oob",
		"scope":         "https://www.googleapis.com/auth/clouddevices",
	})

	resp, err := c.http.Send(ctx, "POST", s.OAuthURL+"token",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		[]byte(form), 30*time.Second)
	if err != nil {
		c.failRegistration()
		return contracts.Wrap(contracts.DomainOAuth2, "registration_token_exchange_failed", "exchanging authorization code", err)
	}
	if resp.Status/100 != 2 {
		c.failRegistration()
		return contracts.NewError(contracts.DomainOAuth2, "registration_token_exchange_failed", "token endpoint rejected authorization code")
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(resp.Body, &tokenResp); err != nil {
		c.failRegistration()
		return contracts.Wrap(contracts.DomainOAuth2, "invalid_response", "token exchange response was not valid JSON", err)
	}
	if tokenResp.RefreshToken == "" {
		c.failRegistration()
		return contracts.NewError(contracts.DomainOAuth2, "invalid_response", "token exchange returned no refresh_token")
	}

	if err := c.settings.ApplyRegistration(finalizeResp.DeviceDraft.ID, tokenResp.RefreshToken, finalizeResp.RobotAccountEmail); err != nil {
		c.failRegistration()
		return err
	}

	c.setState(models.GcdConnecting)
	c.tokens.Invalidate()
	c.runner.Post(func() { c.refreshAndConnect(ctx, cloudclient.NewBackoff()) })
	return nil
}

func (c *Controller) failRegistration() {
	c.setState(models.GcdUnconfigured)
}

// sendJSON performs one unauthenticated JSON request/response against
// Cloud, used only by the registration protocol (see Register's doc
// comment for why this bypasses internal/cloudclient).
func (c *Controller) sendJSON(ctx context.Context, method, url string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return contracts.Wrap(contracts.DomainBuffet, "encode_failed", "encoding request body", err)
		}
	}

	resp, err := c.http.Send(ctx, method, url,
		map[string]string{"Content-Type": "application/json; charset=utf-8"},
		encoded, 30*time.Second)
	if err != nil {
		return contracts.Wrap(contracts.DomainNetwork, "network_error", "cloud request failed", err)
	}
	if resp.Status/100 != 2 {
		var gerr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(resp.Body, &gerr)
		code := gerr.Error.Code
		if code == "" {
			code = strconv.Itoa(resp.Status)
		}
		return contracts.NewError(contracts.DomainGCDServer, code, gerr.Error.Message)
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return contracts.Wrap(contracts.DomainBuffet, "decode_failed", "decoding response body", err)
		}
	}
	return nil
}
