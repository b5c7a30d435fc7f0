package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"chainlab/internal/build"
	"chainlab/internal/chain"
	"chainlab/internal/deps"
	"chainlab/internal/scenario"
	"chainlab/internal/workspace"
)

type errorBody struct {
	Error       string   `json:"error"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	Output      string   `json:"output,omitempty"`
}

// writeError maps domain errors onto HTTP status codes. Anything
// unclassified is a 500.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var wsValidation *workspace.ValidationError
	var chValidation *chain.ValidationError
	var compileErr *build.CompileError
	var installErr *deps.InstallError

	switch {
	case errors.As(err, &wsValidation), errors.As(err, &chValidation):
		status = http.StatusBadRequest
	case errors.Is(err, workspace.ErrPathViolation):
		status = http.StatusForbidden
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, chain.ErrNotFound),
		errors.Is(err, scenario.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.As(err, &compileErr):
		status = http.StatusUnprocessableEntity
		body.Diagnostics = compileErr.Diagnostics
	case errors.As(err, &installErr):
		status = http.StatusUnprocessableEntity
		body.Output = installErr.Output
	case errors.Is(err, chain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrInvalidSnapshot):
		status = http.StatusBadRequest
	case errors.Is(err, workspace.ErrBusy):
		status = http.StatusConflict
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
