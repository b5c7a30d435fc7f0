// Package client is the typed HTTP client the CLI uses to talk to a running
// daemon.
package client

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

	"chainlab/internal/chain"
	"chainlab/internal/daemon/api"
	"chainlab/internal/tester"
	"chainlab/internal/workspace"
)

// Client talks to one daemon.
type Client struct {
	base string
	http *http.Client
}

func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error       string   `json:"error"`
			Diagnostics []string `json:"diagnostics"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			if len(apiErr.Diagnostics) > 0 {
				return fmt.Errorf("%s\n%s", apiErr.Error, strings.Join(apiErr.Diagnostics, "\n"))
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) CreateWorkspace(ctx context.Context, cfg workspace.Config) (*workspace.Workspace, error) {
	var ws workspace.Workspace
	err := c.do(ctx, http.MethodPost, "/v1/workspaces", map[string]any{"config": cfg}, &ws)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (c *Client) ListWorkspaces(ctx context.Context) ([]*workspace.Workspace, error) {
	var out []*workspace.Workspace
	err := c.do(ctx, http.MethodGet, "/v1/workspaces", nil, &out)
	return out, err
}

func (c *Client) DestroyWorkspace(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workspaces/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AddFiles(ctx context.Context, id string, files map[string]string) error {
	return c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/files",
		map[string]any{"files": files}, nil)
}

func (c *Client) Compile(ctx context.Context, id string) (*api.CompileResponse, error) {
	var out api.CompileResponse
	err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/compile", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) InstallDependency(ctx context.Context, id, pkg string) error {
	return c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/dependencies",
		map[string]any{"pkg": pkg}, nil)
}

func (c *Client) RunTests(ctx context.Context, id string, cfg tester.Config, fuzz bool) (*tester.Result, error) {
	var out tester.Result
	err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/tests",
		map[string]any{"config": cfg, "fuzz": fuzz}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Coverage(ctx context.Context, id string) (*tester.CoverageResult, error) {
	var out tester.CoverageResult
	err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/coverage", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateRun(ctx context.Context, workspaceID, scenarioYAML string, cfg chain.Config) (*api.RunSummary, error) {
	var out api.RunSummary
	err := c.do(ctx, http.MethodPost, "/v1/runs", map[string]any{
		"workspace_id": workspaceID,
		"scenario":     scenarioYAML,
		"chain":        cfg,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*api.RunReport, error) {
	var out api.RunReport
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListRuns(ctx context.Context) ([]api.RunSummary, error) {
	var out []api.RunSummary
	err := c.do(ctx, http.MethodGet, "/v1/runs", nil, &out)
	return out, err
}

func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// WaitRun polls until the run reaches a terminal state or the context ends.
func (c *Client) WaitRun(ctx context.Context, id string) (*api.RunReport, error) {
	for {
		report, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if report.Status.Terminal() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
}
