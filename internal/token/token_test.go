package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/applianced/applianced/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHTTPClient struct {
	mu        sync.Mutex
	calls     int32
	responder func(calls int32) (*contracts.HTTPResponse, error)
}

func (f *fakeHTTPClient) Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*contracts.HTTPResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.responder(n)
}

func TestEncodeWebParamRoundTrip(t *testing.T) {
	cases := []map[string]string{
		{"grant_type": "refresh_token", "refresh_token": "RT", "client_id": "CID", "client_secret": "CS"},
		{"grant_type": "refresh_token", "refresh_token": "a b+c/d=e?f", "client_id": "unicode-é", "client_secret": "x"},
	}
	for _, in := range cases {
		encoded := EncodeWebParam(in)
		decoded := DecodeWebParam(encoded)
		for k, v := range in {
			assert.Equal(t, v, decoded[k], "field %s should round-trip", k)
		}
	}
}

func TestEncodeWebParamExactForm(t *testing.T) {
	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "RT",
		"client_id":     "CID",
		"client_secret": "CS",
	}
	got := EncodeWebParam(form)
	assert.Equal(t, "grant_type=refresh_token&refresh_token=RT&client_id=CID&client_secret=CS", got)
}

func TestGetAccessTokenRefreshSuccess(t *testing.T) {
	http := &fakeHTTPClient{responder: func(n int32) (*contracts.HTTPResponse, error) {
		return &contracts.HTTPResponse{
			Status: 200,
			Body:   []byte(`{"access_token":"AT","expires_in":3600}`),
		}, nil
	}}
	mgr := New(http)

	creds := Credentials{OAuthURL: "https://accounts.example.com/o/oauth2/", ClientID: "CID", ClientSecret: "CS", RefreshToken: "RT"}
	accessToken, expiry, err := mgr.GetAccessToken(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, "AT", accessToken)
	assert.WithinDuration(t, time.Now().Add(3600*time.Second), expiry, 5*time.Second)
}

func TestGetAccessTokenInvalidGrant(t *testing.T) {
	http := &fakeHTTPClient{responder: func(n int32) (*contracts.HTTPResponse, error) {
		return &contracts.HTTPResponse{
			Status: 400,
			Body:   []byte(`{"error":"invalid_grant"}`),
		}, nil
	}}
	mgr := New(http)

	creds := Credentials{OAuthURL: "https://accounts.example.com/o/oauth2/", ClientID: "CID", ClientSecret: "CS", RefreshToken: "RT"}
	_, _, err := mgr.GetAccessToken(context.Background(), creds)
	require.Error(t, err)

	var persistent *PersistentError
	require.ErrorAs(t, err, &persistent)

	var oerr *contracts.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, contracts.DomainOAuth2, oerr.Domain)
	assert.Equal(t, "invalid_grant", oerr.Code)
}

func TestGetAccessTokenCoalescesConcurrentRefreshes(t *testing.T) {
	http := &fakeHTTPClient{responder: func(n int32) (*contracts.HTTPResponse, error) {
		time.Sleep(20 * time.Millisecond)
		return &contracts.HTTPResponse{Status: 200, Body: []byte(`{"access_token":"AT","expires_in":3600}`)}, nil
	}}
	mgr := New(http)
	creds := Credentials{OAuthURL: "https://accounts.example.com/o/oauth2/", ClientID: "CID", ClientSecret: "CS", RefreshToken: "RT"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := mgr.GetAccessToken(context.Background(), creds)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&http.calls), "only one HTTP request should have been issued")
}

func TestGetAccessTokenNoRefreshTokenIsUnauthorized(t *testing.T) {
	mgr := New(&fakeHTTPClient{responder: func(int32) (*contracts.HTTPResponse, error) {
		t.Fatal("should not issue an HTTP request with no refresh_token")
		return nil, nil
	}})
	_, _, err := mgr.GetAccessToken(context.Background(), Credentials{})
	require.Error(t, err)
}
