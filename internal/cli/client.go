package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repbot/internal/api"
)

type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Identity Identity
}

func NewClient(baseURL string, id Identity) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
		Identity: id,
	}
}

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Code, e.Message)
}

func (c *Client) Balance(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/me/balance", true, nil, &out)
	return out, err
}

func (c *Client) Send(ctx context.Context, toID string, amount int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/transfers", true, map[string]any{
		"to_id":  toID,
		"amount": amount,
	}, &out)
	return out, err
}

func (c *Client) Guess(ctx context.Context, number int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/guess", true, map[string]any{"number": number}, &out)
	return out, err
}

// Roll throws dice in NdX notation; an empty notation rolls one d6.
func (c *Client) Roll(ctx context.Context, dice string, verbose bool) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/roll", true, map[string]any{
		"dice":    dice,
		"verbose": verbose,
	}, &out)
	return out, err
}

// CreateGame starts a game of kind ("roulette" or "sardines").
func (c *Client) CreateGame(ctx context.Context, kind string, bet int64, token string) (map[string]any, error) {
	body := map[string]any{"bet": bet}
	if token != "" {
		body["interaction_token"] = token
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/"+url.PathEscape(kind), true, body, &out)
	return out, err
}

// JoinGame returns a nil map when the game had already ended.
func (c *Client) JoinGame(ctx context.Context, kind, id string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/"+url.PathEscape(kind)+"/"+url.PathEscape(id)+"/join", true, nil, &out)
	return out, err
}

func (c *Client) Game(ctx context.Context, kind, id string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/"+url.PathEscape(kind)+"/"+url.PathEscape(id), true, nil, &out)
	return out, err
}

func (c *Client) Jobs(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/jobs", false, nil, &out)
	return out, err
}

func (c *Client) DeadJobs(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/jobs/dead", false, nil, &out)
	return out, err
}

func (c *Client) Requeue(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/jobs/dead/"+url.PathEscape(id)+"/requeue", false, nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, asMember bool, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if asMember {
		if err := c.Identity.Validate(); err != nil {
			return err
		}
		req.Header.Set(api.HeaderRealmID, c.Identity.RealmID)
		req.Header.Set(api.HeaderMemberID, c.Identity.MemberID)
		req.Header.Set(api.HeaderName, c.Identity.Name)
		req.Header.Set(api.HeaderJoinedAt, c.Identity.JoinedAt)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
