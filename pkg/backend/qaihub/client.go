// Package qaihub is the one concrete Backend implementation (spec §4.4):
// it wraps the Qualcomm AI Hub REST API behind the abstract backend.Backend
// interface. No component outside this package speaks the vendor protocol.
package qaihub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/edgegate/edgegate/internal/apierr"
	"github.com/edgegate/edgegate/pkg/backend"
	"github.com/edgegate/edgegate/pkg/secretenvelope"
)

// Client adapts one workspace's decrypted backend token to backend.Backend.
// A gobreaker.CircuitBreaker wraps every call so one workspace's
// misbehaving integration (slow or erroring backend) trips independently of
// every other workspace's worker.
type Client struct {
	baseURL string
	token   *secretenvelope.Token
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client scoped to one workspace's live token. The token must
// outlive the Client; callers close it via secretenvelope.Token.Close once
// the run's backend interaction is over.
func New(baseURL, workspaceID string, token *secretenvelope.Token) *Client {
	st := gobreaker.Settings{
		Name:        "qaihub:" + workspaceID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

var _ backend.Backend = (*Client)(nil)

func (c *Client) ValidateToken(ctx context.Context) (backend.Identity, error) {
	var out struct {
		AccountID string   `json:"account_id"`
		Scopes    []string `json:"scopes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/me", nil, &out); err != nil {
		return backend.Identity{}, apierr.Wrap(apierr.TokenInvalid, "validating backend token", err)
	}
	return backend.Identity{AccountID: out.AccountID, Scopes: out.Scopes}, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]backend.Device, error) {
	var out []backend.Device
	if err := c.doJSON(ctx, http.MethodGet, "/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UploadModel(ctx context.Context, data []byte, kind string, name string) (backend.RemoteModelHandle, error) {
	var out struct {
		ID string `json:"id"`
	}
	req := map[string]any{"kind": kind, "name": name, "size_bytes": len(data)}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/models", req, &out); err != nil {
		return backend.RemoteModelHandle{}, err
	}
	if err := c.putBytes(ctx, "/v1/models/"+out.ID+"/upload", data); err != nil {
		return backend.RemoteModelHandle{}, err
	}
	return backend.RemoteModelHandle{ID: out.ID}, nil
}

func (c *Client) SubmitCompile(ctx context.Context, model backend.RemoteModelHandle, device backend.Device, target backend.TargetRuntime, opts backend.SubmitOptions) (backend.JobHandle, error) {
	return c.submit(ctx, "/v1/jobs/compile", map[string]any{
		"model_id": model.ID, "device_id": device.ID, "target_runtime": target,
	}, backend.JobCompile)
}

func (c *Client) SubmitProfile(ctx context.Context, compiled backend.JobHandle, device backend.Device, opts backend.SubmitOptions) (backend.JobHandle, error) {
	return c.submit(ctx, "/v1/jobs/profile", map[string]any{
		"compiled_job_id": compiled.ID, "device_id": device.ID, "max_new_tokens": opts.MaxNewTokens,
	}, backend.JobProfile)
}

func (c *Client) SubmitInference(ctx context.Context, compiled backend.JobHandle, device backend.Device, inputs map[string]any) (backend.JobHandle, error) {
	return c.submit(ctx, "/v1/jobs/inference", map[string]any{
		"compiled_job_id": compiled.ID, "device_id": device.ID, "inputs": inputs,
	}, backend.JobInference)
}

func (c *Client) submit(ctx context.Context, path string, body map[string]any, kind backend.JobKind) (backend.JobHandle, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return backend.JobHandle{}, apierr.Wrap(apierr.SubmitFailed, "submit "+string(kind), err)
	}
	return backend.JobHandle{ID: out.ID, Kind: kind}, nil
}

func (c *Client) Poll(ctx context.Context, job backend.JobHandle) (backend.JobStatus, error) {
	var out struct {
		Status     string `json:"status"`
		PayloadRef string `json:"payload_ref"`
		Reason     string `json:"reason"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+job.ID, nil, &out); err != nil {
		return backend.JobStatus{}, err
	}
	return backend.JobStatus{Status: backend.Status(out.Status), PayloadRef: out.PayloadRef, Reason: out.Reason}, nil
}

func (c *Client) FetchPayload(ctx context.Context, payloadRef string) ([]byte, error) {
	return c.getBytes(ctx, "/v1/payloads/"+payloadRef)
}

func (c *Client) FetchLogs(ctx context.Context, job backend.JobHandle) ([]byte, error) {
	b, err := c.getBytes(ctx, "/v1/jobs/"+job.ID+"/logs")
	if err != nil {
		return nil, fmt.Errorf("logs unavailable: %w", err)
	}
	return b, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	raw, err := c.call(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) getBytes(ctx context.Context, path string) ([]byte, error) {
	return c.call(ctx, http.MethodGet, path, nil)
}

func (c *Client) putBytes(ctx context.Context, path string, data []byte) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("backend upload failed: %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

func (c *Client) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, apierr.New(apierr.TokenInvalid, "backend rejected credentials")
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("backend call %s %s failed: %d: %s", method, path, resp.StatusCode, string(raw))
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) authorize(req *http.Request) {
	_ = c.token.WithPlaintext(func(plaintext []byte) error {
		req.Header.Set("Authorization", "Bearer "+string(plaintext))
		return nil
	})
}
