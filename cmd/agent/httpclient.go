package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/applianced/applianced/pkg/contracts"
)

// netHTTPClient is the reference contracts.HTTPClient implementation for
// the demo binary: a plain net/http.Client. Production embedders may swap
// this for a platform HTTP stack without touching internal/.
type netHTTPClient struct {
	client *http.Client
}

func newNetHTTPClient() *netHTTPClient {
	return &netHTTPClient{client: &http.Client{}}
}

func (c *netHTTPClient) Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*contracts.HTTPResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &contracts.HTTPResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}
