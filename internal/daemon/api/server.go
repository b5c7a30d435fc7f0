package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chainlab/internal/chain"
	"chainlab/internal/logging"
	"chainlab/internal/scenario"
	"chainlab/internal/tester"
	"chainlab/internal/workspace"
)

// Server routes the daemon's HTTP API.
type Server struct {
	store     WorkspaceStore
	builder   Builder
	installer Installer
	tester    Tester
	runner    Runner
	router    *mux.Router
	log       *slog.Logger
}

func NewServer(store WorkspaceStore, builder Builder, installer Installer, tester Tester, runner Runner) *Server {
	s := &Server{
		store:     store,
		builder:   builder,
		installer: installer,
		tester:    tester,
		runner:    runner,
		router:    mux.NewRouter(),
		log:       logging.Component("api"),
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/workspaces", s.createWorkspace).Methods(http.MethodPost)
	v1.HandleFunc("/workspaces", s.listWorkspaces).Methods(http.MethodGet)
	v1.HandleFunc("/workspaces/{id}", s.getWorkspace).Methods(http.MethodGet)
	v1.HandleFunc("/workspaces/{id}", s.destroyWorkspace).Methods(http.MethodDelete)
	v1.HandleFunc("/workspaces/{id}/files", s.addFiles).Methods(http.MethodPost)
	v1.HandleFunc("/workspaces/{id}/files/{path:.+}", s.removeFile).Methods(http.MethodDelete)
	v1.HandleFunc("/workspaces/{id}/compile", s.compile).Methods(http.MethodPost)
	v1.HandleFunc("/workspaces/{id}/dependencies", s.installDependency).Methods(http.MethodPost)
	v1.HandleFunc("/workspaces/{id}/tests", s.runTests).Methods(http.MethodPost)
	v1.HandleFunc("/workspaces/{id}/coverage", s.runCoverage).Methods(http.MethodPost)
	v1.HandleFunc("/runs", s.createRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.getRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/cancel", s.cancelRun).Methods(http.MethodPost)
	v1.HandleFunc("/cache/stats", s.cacheStats).Methods(http.MethodGet)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &workspace.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config workspace.Config `json:"config"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.store.Create(req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("workspace created", "workspace", ws.ID)
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) destroyWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Destroy(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files map[string]string `json:"files"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Files) == 0 {
		writeError(w, &workspace.ValidationError{Field: "files", Message: "no files provided"})
		return
	}
	if err := s.store.AddFiles(mux.Vars(r)["id"], req.Files); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.RemoveFile(vars["id"], vars["path"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type CompileResponse struct {
	Fingerprint string   `json:"fingerprint"`
	Contracts   []string `json:"contracts"`
	Warnings    []string `json:"warnings,omitempty"`
}

func (s *Server) compile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ws, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetState(id, workspace.StateCompiling); err != nil {
		writeError(w, err)
		return
	}
	artifact, err := s.builder.GetOrBuild(r.Context(), ws)
	if err != nil {
		_ = s.store.SetState(id, workspace.StateFailed)
		writeError(w, err)
		return
	}
	if err := s.store.SetState(id, workspace.StateCompiled); err != nil {
		writeError(w, err)
		return
	}

	resp := CompileResponse{Fingerprint: artifact.Fingerprint, Warnings: artifact.Warnings}
	for _, c := range artifact.Contracts {
		resp.Contracts = append(resp.Contracts, c.Name)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) installDependency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pkg string `json:"pkg"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.installer.Install(r.Context(), ws, req.Pkg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runTests(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config tester.Config `json:"config"`
		Fuzz   bool          `json:"fuzz"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	run := s.tester.RunAll
	if req.Fuzz {
		run = s.tester.RunFuzz
	}
	res, err := run(r.Context(), ws, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("tests ran", "workspace", ws.ID, "success", res.Success, "total", res.Total)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) runCoverage(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.tester.Coverage(r.Context(), ws)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string       `json:"workspace_id"`
		Scenario    string       `json:"scenario"`
		Chain       chain.Config `json:"chain"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, &workspace.ValidationError{Field: "workspace_id", Message: "workspace_id is required"})
		return
	}
	doc, err := scenario.Parse([]byte(req.Scenario))
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.runner.CreateRun(req.WorkspaceID, doc, req.Chain)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("run accepted", "run", run.ID, "workspace", req.WorkspaceID, "scenario", doc.Name)
	writeJSON(w, http.StatusAccepted, newRunSummary(run))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runner.ListRuns()
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunSummary(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.GetRun(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunReport(run))
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.runner.CancelRun(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.builder.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type RunSummary struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Scenario    string          `json:"scenario"`
	Status      scenario.Status `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

func newRunSummary(run *scenario.Run) RunSummary {
	return RunSummary{
		ID:          run.ID,
		WorkspaceID: run.WorkspaceID,
		Scenario:    run.Scenario,
		Status:      run.Status(),
		CreatedAt:   run.CreatedAt(),
	}
}

type RunReport struct {
	RunSummary
	Error string                `json:"error,omitempty"`
	Steps []scenario.StepResult `json:"steps"`
}

// runReport always enumerates every executed step in order, whatever the
// run's final status, so callers can see exactly where it broke.
func newRunReport(run *scenario.Run) RunReport {
	results := run.Results()
	if results == nil {
		results = []scenario.StepResult{}
	}
	return RunReport{
		RunSummary: newRunSummary(run),
		Error:      run.Err(),
		Steps:      results,
	}
}
