package api

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

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ShayCichocki/loopd/internal/orchestrator"
	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// Error is a non-2xx response from the server.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to a loopd server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at addr, with or without a
// scheme.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Code: gjson.GetBytes(data, "error").String()}
		apiErr.Message = gjson.GetBytes(data, "message").String()
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func loopPath(id string, parts ...string) string {
	p := "/loops/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Health checks that the server is up and returns its version.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateLoop creates a loop. start controls whether it is launched at once.
func (c *Client) CreateLoop(ctx context.Context, req orchestrator.CreateLoopRequest, start bool) (*models.Loop, error) {
	body, err := json.Marshal(CreateLoopBody{CreateLoopRequest: req, Start: &start})
	if err != nil {
		return nil, err
	}
	var loop models.Loop
	if err := c.do(ctx, http.MethodPost, "/loops", body, &loop); err != nil {
		return nil, err
	}
	return &loop, nil
}

// ListLoops returns every loop, newest first.
func (c *Client) ListLoops(ctx context.Context) ([]*models.Loop, error) {
	var loops []*models.Loop
	if err := c.do(ctx, http.MethodGet, "/loops", nil, &loops); err != nil {
		return nil, err
	}
	return loops, nil
}

// GetLoop returns one loop.
func (c *Client) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	var loop models.Loop
	if err := c.do(ctx, http.MethodGet, loopPath(id), nil, &loop); err != nil {
		return nil, err
	}
	return &loop, nil
}

func (c *Client) StartLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, loopPath(id, "start"), nil, nil)
}

func (c *Client) StopLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, loopPath(id, "stop"), nil, nil)
}

func (c *Client) DiscardLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, loopPath(id, "discard"), nil, nil)
}

// PurgeLoop deletes the loop record.
func (c *Client) PurgeLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, loopPath(id), nil, nil)
}

func (c *Client) AcceptLoop(ctx context.Context, id string) (*AcceptResponse, error) {
	var out AcceptResponse
	if err := c.do(ctx, http.MethodPost, loopPath(id, "accept"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PushLoop(ctx context.Context, id string) (*PushResponse, error) {
	var out PushResponse
	if err := c.do(ctx, http.MethodPost, loopPath(id, "push"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddressComments starts a review cycle with the given comments.
func (c *Client) AddressComments(ctx context.Context, id, comments string) (*AddressResponse, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "comments", comments)
	if err != nil {
		return nil, err
	}
	var out AddressResponse
	if err := c.do(ctx, http.MethodPost, loopPath(id, "address-comments"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReviewHistory(ctx context.Context, id string) (*orchestrator.ReviewHistory, error) {
	var out ReviewHistoryResponse
	if err := c.do(ctx, http.MethodGet, loopPath(id, "review-history"), nil, &out); err != nil {
		return nil, err
	}
	return &orchestrator.ReviewHistory{
		Addressable:      out.History.Addressable,
		CompletionAction: out.History.CompletionAction,
		ReviewCycles:     out.History.ReviewCycles,
		ReviewBranches:   out.History.ReviewBranches,
	}, nil
}

func (c *Client) Comments(ctx context.Context, id string) ([]models.ReviewComment, error) {
	var out CommentsResponse
	if err := c.do(ctx, http.MethodGet, loopPath(id, "comments"), nil, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

func (c *Client) Diff(ctx context.Context, id string) ([]workspace.FileChange, error) {
	var out []workspace.FileChange
	if err := c.do(ctx, http.MethodGet, loopPath(id, "diff"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlanFeedback sends a plan review round.
func (c *Client) PlanFeedback(ctx context.Context, id, feedback string) error {
	body, err := sjson.SetBytes([]byte(`{}`), "feedback", feedback)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, loopPath(id, "plan", "feedback"), body, nil)
}

func (c *Client) AcceptPlan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, loopPath(id, "plan", "accept"), nil, nil)
}

func (c *Client) DiscardPlan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, loopPath(id, "plan", "discard"), nil, nil)
}
