package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chainlab/internal/adapter/fake"
	"chainlab/internal/build"
	"chainlab/internal/chain"
	"chainlab/internal/scenario"
	"chainlab/internal/tester"
	"chainlab/internal/workspace"
)

type stubStore struct {
	spaces map[string]*workspace.Workspace
}

func newStubStore(spaces ...*workspace.Workspace) *stubStore {
	s := &stubStore{spaces: make(map[string]*workspace.Workspace)}
	for _, ws := range spaces {
		s.spaces[ws.ID] = ws
	}
	return s
}

func (s *stubStore) Create(cfg workspace.Config) (*workspace.Workspace, error) {
	normalized, err := workspace.Normalize(cfg)
	if err != nil {
		return nil, err
	}
	ws := &workspace.Workspace{ID: fmt.Sprintf("ws-%d", len(s.spaces)+1), Config: normalized, State: workspace.StateCreated}
	s.spaces[ws.ID] = ws
	return ws, nil
}

func (s *stubStore) Get(id string) (*workspace.Workspace, error) {
	ws, ok := s.spaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %q: %w", id, workspace.ErrNotFound)
	}
	return ws, nil
}

func (s *stubStore) List() []*workspace.Workspace {
	out := make([]*workspace.Workspace, 0, len(s.spaces))
	for _, ws := range s.spaces {
		out = append(out, ws)
	}
	return out
}

func (s *stubStore) AddFiles(id string, files map[string]string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	for path := range files {
		if strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
			return fmt.Errorf("path %q: %w", path, workspace.ErrPathViolation)
		}
	}
	return nil
}

func (s *stubStore) RemoveFile(id, rel string) error {
	_, err := s.Get(id)
	return err
}

func (s *stubStore) SetState(id string, st workspace.State) error {
	ws, err := s.Get(id)
	if err != nil {
		return err
	}
	ws.State = st
	return nil
}

func (s *stubStore) Destroy(id string) error {
	delete(s.spaces, id)
	return nil
}

type stubBuilder struct {
	artifact *build.Artifact
	err      error
}

func (b *stubBuilder) GetOrBuild(context.Context, *workspace.Workspace) (*build.Artifact, error) {
	return b.artifact, b.err
}

func (b *stubBuilder) Stats() (build.Stats, error) {
	return build.Stats{Hits: 1, Misses: 2, Entries: 1}, nil
}

type stubInstaller struct {
	err error
}

func (i *stubInstaller) Install(context.Context, *workspace.Workspace, string) error {
	return i.err
}

type stubTester struct {
	result   *tester.Result
	coverage *tester.CoverageResult
	err      error
	fuzzed   bool
}

func (st *stubTester) RunAll(_ context.Context, _ *workspace.Workspace, _ tester.Config) (*tester.Result, error) {
	return st.result, st.err
}

func (st *stubTester) RunFuzz(_ context.Context, _ *workspace.Workspace, _ tester.Config) (*tester.Result, error) {
	st.fuzzed = true
	return st.result, st.err
}

func (st *stubTester) Coverage(context.Context, *workspace.Workspace) (*tester.CoverageResult, error) {
	return st.coverage, st.err
}

func newTestServer(t *testing.T) (*Server, *stubStore, *scenario.Engine) {
	t.Helper()

	ws := &workspace.Workspace{ID: "ws-1", State: workspace.StateCreated}
	store := newStubStore(ws)

	artifact := &build.Artifact{
		Fingerprint: "fp-1",
		Contracts:   []build.Contract{{Name: "Noop", ABI: []byte("[]"), Bytecode: "0x6080"}},
		CreatedAt:   time.Now(),
	}

	chainFake := fake.NewChain()
	chainFake.Register("0x6080", nil)
	engine := scenario.New(
		fake.NewWorkspaceSource(ws),
		&fake.Builder{Artifact: artifact},
		fake.NewChainProvider(chainFake),
	)

	server := NewServer(store, &stubBuilder{artifact: artifact}, &stubInstaller{},
		&stubTester{result: &tester.Result{Success: true, Total: 1, Passed: 1}}, engine)
	return server, store, engine
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestWorkspaceLifecycleOverHTTP(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces", map[string]any{
		"config": map[string]any{"solc_version": "0.8.24"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created workspace.Workspace
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding workspace: %v", err)
	}

	if rec := doJSON(t, s, http.MethodGet, "/v1/workspaces/"+created.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodDelete, "/v1/workspaces/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
}

func TestCreateWorkspaceRejectsBadConfig(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces", map[string]any{
		"config": map[string]any{"solc_version": "not-a-version"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
	}
}

func TestGetMissingWorkspaceIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := doJSON(t, s, http.MethodGet, "/v1/workspaces/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPathViolationIs403(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/ws-1/files", map[string]any{
		"files": map[string]string{"../outside.sol": "contract X {}"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body)
	}
}

func TestCompileErrorIs422WithDiagnostics(t *testing.T) {
	ws := &workspace.Workspace{ID: "ws-1", State: workspace.StateCreated}
	store := newStubStore(ws)
	builder := &stubBuilder{err: &build.CompileError{Diagnostics: []string{"ParserError: expected ';'"}}}
	s := NewServer(store, builder, &stubInstaller{}, &stubTester{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/ws-1/compile", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (body %s)", rec.Code, rec.Body)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if len(body.Diagnostics) != 1 || !strings.Contains(body.Diagnostics[0], "ParserError") {
		t.Errorf("diagnostics = %v", body.Diagnostics)
	}
	if ws.State != workspace.StateFailed {
		t.Errorf("workspace state = %s, want failed", ws.State)
	}
}

func TestRunTestsOverHTTP(t *testing.T) {
	ws := &workspace.Workspace{ID: "ws-1", State: workspace.StateCompiled}
	store := newStubStore(ws)
	st := &stubTester{result: &tester.Result{
		Success: true,
		Total:   2,
		Passed:  2,
		Cases:   []tester.Case{{Name: "test_A", Status: "pass"}, {Name: "testFuzz_B", Status: "pass", Runs: 256}},
	}}
	s := NewServer(store, &stubBuilder{}, &stubInstaller{}, st, nil)

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/ws-1/tests", map[string]any{
		"config": tester.Config{MatchTest: "test_A"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var res tester.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !res.Success || res.Passed != 2 || len(res.Cases) != 2 {
		t.Errorf("result = %+v", res)
	}
	if st.fuzzed {
		t.Error("plain run hit the fuzz path")
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/workspaces/ws-1/tests", map[string]any{"fuzz": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("fuzz status = %d, body %s", rec.Code, rec.Body)
	}
	if !st.fuzzed {
		t.Error("fuzz run did not hit the fuzz path")
	}

	if rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/nope/tests", map[string]any{}); rec.Code != http.StatusNotFound {
		t.Errorf("missing workspace status = %d, want 404", rec.Code)
	}
}

func TestCoverageOverHTTP(t *testing.T) {
	ws := &workspace.Workspace{ID: "ws-1", State: workspace.StateCompiled}
	store := newStubStore(ws)
	st := &stubTester{coverage: &tester.CoverageResult{Success: true, Percent: 81.5}}
	s := NewServer(store, &stubBuilder{}, &stubInstaller{}, st, nil)

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/ws-1/coverage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var res tester.CoverageResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.Percent != 81.5 {
		t.Errorf("percent = %v, want 81.5", res.Percent)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	s, _, engine := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/runs", map[string]any{
		"workspace_id": "ws-1",
		"scenario":     "name: smoke\nsteps:\n  - deploy: {contract: Noop, as: noop}\n",
		"chain":        chain.Config{},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create run status = %d, body %s", rec.Code, rec.Body)
	}
	var summary RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	engine.Wait()

	rec = doJSON(t, s, http.MethodGet, "/v1/runs/"+summary.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rec.Code)
	}
	var report RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Status != scenario.StatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (error: %s)", report.Status, report.Error)
	}
	if len(report.Steps) != 1 || report.Steps[0].Outcome != scenario.OutcomeOK {
		t.Fatalf("steps = %+v", report.Steps)
	}

	// Cancelling a finished run is a no-op, not an error.
	if rec := doJSON(t, s, http.MethodPost, "/v1/runs/"+summary.ID+"/cancel", nil); rec.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d", rec.Code)
	}
}

func TestGetMissingRunIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := doJSON(t, s, http.MethodGet, "/v1/runs/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestInvalidScenarioIs400(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/runs", map[string]any{
		"workspace_id": "ws-1",
		"scenario":     "name: bad\nsteps:\n  - teleport: {}\n",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
	}
}

func TestCacheStats(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/cache/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats build.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Misses != 2 {
		t.Errorf("misses = %d, want 2", stats.Misses)
	}
}
