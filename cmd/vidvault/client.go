package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/kalambet/vidvault/internal/config"
	"github.com/kalambet/vidvault/internal/jobs"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, errors.Wrap(err, "getting API token")
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling request")
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "server not reachable, is vidvault running?")
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// follow streams a job's events until the server closes the stream. fn is
// called for every event received.
func (c *apiClient) follow(ctx context.Context, jobID string, fn func(jobs.Event)) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/jobs/" + jobID + "/events"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	dialer := c.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return errors.Newf("event stream refused: HTTP %d", resp.StatusCode)
		}
		return errors.Wrap(err, "opening event stream")
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "reading event stream")
		}
		fn(ev)
	}
}

// apiError is the error envelope written by the server.
type apiError struct {
	Error struct {
		Message       string `json:"message"`
		Type          string `json:"type"`
		ExistingJobID string `json:"existing_job_id,omitempty"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrapf(err, "server returned %d (failed to read body)", resp.StatusCode)
		}
		var envelope apiError
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			if envelope.Error.ExistingJobID != "" {
				return errors.Newf("%s (existing job %s)", envelope.Error.Message, envelope.Error.ExistingJobID)
			}
			return errors.Newf("server returned %d: %s", resp.StatusCode, envelope.Error.Message)
		}
		return errors.Newf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
