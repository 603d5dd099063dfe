package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	relayerrors "github.com/relaymsg/relay-client/internal/errors"
)

// Client talks to the relay REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      func() string
}

// NewClient creates an API client for the given base URL. The token
// function is called per request so a rotated token is picked up without
// rebuilding the client. If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL string, token func() string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// do sends a JSON request and decodes the response into result.
// A 401 is reported as ErrSessionInvalid so callers can distinguish
// auth rejection from transport failure.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("API %s: %w", endpoint, relayerrors.ErrSessionInvalid)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s: %w", endpoint, resp.StatusCode, apiErr.Error, relayerrors.ErrAPIRequest)
		}
		return fmt.Errorf("API %s returned status %d: %w", endpoint, resp.StatusCode, relayerrors.ErrAPIRequest)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %v: %w", endpoint, err, relayerrors.ErrAPIResponse)
		}
	}

	return nil
}

// OnlineUsers returns the IDs of every user currently online.
func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	var resp OnlineUsersResponse
	if err := c.do(ctx, http.MethodGet, "/presence/online", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching online users: %w", err)
	}
	return resp.UserIDs, nil
}

// ValidateSession checks whether the given token still maps to a live
// session. A 401 is folded into SessionInfo{Valid: false} rather than an
// error: the server has given a definitive answer, unlike a transport
// failure.
func (c *Client) ValidateSession(ctx context.Context, token string) (SessionInfo, error) {
	var resp SessionInfo
	err := c.do(ctx, http.MethodPost, "/session/validate", ValidateRequest{Token: token}, &resp)
	if err != nil {
		if isUnauthorized(err) {
			return SessionInfo{Valid: false}, nil
		}
		return SessionInfo{}, fmt.Errorf("validating session: %w", err)
	}
	return resp, nil
}

// MarkDelivered bulk-advances messages in a conversation to delivered.
// With no explicit IDs the server marks everything still in sent status.
func (c *Client) MarkDelivered(ctx context.Context, conversationID string, messageIDs []string) error {
	endpoint := "/conversations/" + conversationID + "/delivered"
	if err := c.do(ctx, http.MethodPost, endpoint, MarkDeliveredRequest{MessageIDs: messageIDs}, nil); err != nil {
		return fmt.Errorf("marking delivered in %s: %w", conversationID, err)
	}
	return nil
}

// MarkRead bulk-advances the given messages in a conversation to read.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	endpoint := "/conversations/" + conversationID + "/read"
	if err := c.do(ctx, http.MethodPost, endpoint, MarkReadRequest{MessageIDs: messageIDs}, nil); err != nil {
		return fmt.Errorf("marking read in %s: %w", conversationID, err)
	}
	return nil
}

func isUnauthorized(err error) bool {
	return errors.Is(err, relayerrors.ErrSessionInvalid)
}
