package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imdevinc/clipbird/internal/util"
)

// ErrUnauthorized is a 401 from the hub. The caller should sign in again rather
// than retry.
var ErrUnauthorized = errors.New("hub: unauthorized")

// CreateDeviceRequest registers a new device
type CreateDeviceRequest struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// UpdateDeviceRequest refreshes an existing device
type UpdateDeviceRequest struct {
	PublicKey string `json:"publicKey,omitempty"`
	Name      string `json:"name,omitempty"`
}

// DeviceResponse is the hub's view of a device
type DeviceResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
}

// AuthToken is the result of a sign in
type AuthToken struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issuedAt"`
	Expiry   time.Time `json:"expiry"`
}

// DeviceAPI is the device registry
type DeviceAPI interface {
	CreateDevice(ctx context.Context, req CreateDeviceRequest) (*DeviceResponse, error)
	UpdateDevice(ctx context.Context, id string, req UpdateDeviceRequest) (*DeviceResponse, error)
}

// AuthAPI signs a user in
type AuthAPI interface {
	SignIn(ctx context.Context, username, password string) (*AuthToken, error)
}

// StatusError is a non-2xx response other than 401
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub: HTTP %d: %s", e.Status, e.Body)
}

// RESTClient talks JSON to the hub API. Token supplies the bearer token for
// device calls.
type RESTClient struct {
	BaseURL string
	HTTP    *http.Client
	Token   func() string
	Retry   util.RetryConfig
}

// NewRESTClient creates a client for baseURL
func NewRESTClient(baseURL string, token func() string) *RESTClient {
	return &RESTClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   token,
		Retry:   util.DefaultRetryConfig(),
	}
}

func (c *RESTClient) CreateDevice(ctx context.Context, req CreateDeviceRequest) (*DeviceResponse, error) {
	var out DeviceResponse
	if err := c.do(ctx, http.MethodPost, "/devices", req, &out, true); err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	return &out, nil
}

func (c *RESTClient) UpdateDevice(ctx context.Context, id string, req UpdateDeviceRequest) (*DeviceResponse, error) {
	var out DeviceResponse
	if err := c.do(ctx, http.MethodPut, "/devices/"+url.PathEscape(id), req, &out, true); err != nil {
		return nil, fmt.Errorf("failed to update device %s: %w", id, err)
	}
	return &out, nil
}

func (c *RESTClient) SignIn(ctx context.Context, username, password string) (*AuthToken, error) {
	var out AuthToken
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/signin", body, &out, false); err != nil {
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	if out.Token == "" {
		return nil, errors.New("hub: sign in returned no token")
	}
	return &out, nil
}

// do sends one JSON request, retrying transport failures and 5xx responses
func (c *RESTClient) do(ctx context.Context, method, path string, in, out any, auth bool) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return util.Retry(ctx, c.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return util.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if auth && c.Token != nil {
			if token := c.Token(); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return util.Permanent(ErrUnauthorized)
		case resp.StatusCode >= 500:
			return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		case resp.StatusCode >= 300:
			return util.Permanent(&StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		}
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return util.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}, nil)
}
