package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/registry"
	"github.com/vinayprograms/fleetlink/results"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	StatusCode int    `json:"status_code"`
}

// resultResponse renders a payload inline when it is JSON and as a string
// otherwise.
type resultResponse struct {
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Message: message, Code: code, StatusCode: status})
}

// writeFleetError maps a fleet error code onto an HTTP status.
func (s *Server) writeFleetError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := string(fleeterrors.ErrCodeInternal)
	message := err.Error()

	if fe := fleeterrors.AsFleetError(err); fe != nil {
		code = string(fe.Code())
		message = fe.Message()
		switch fe.Code() {
		case fleeterrors.ErrCodeNodeNotFound:
			status = http.StatusNotFound
		case fleeterrors.ErrCodeInvalidInput, fleeterrors.ErrCodeMalformed:
			status = http.StatusBadRequest
		case fleeterrors.ErrCodeTransport:
			status = http.StatusBadGateway
		case fleeterrors.ErrCodeTimeout:
			status = http.StatusGatewayTimeout
		case fleeterrors.ErrCodeClosed, fleeterrors.ErrCodeCanceled:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		})
	}
	writeError(w, status, code, message)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"nodes":           len(s.fleet.Nodes()),
		"dead":            len(s.fleet.DeadNodes()),
		"pending_results": s.fleet.PendingResults(),
	})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.fleet.Nodes()
	if nodes == nil {
		nodes = []registry.NodeRecord{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) deadNodes(w http.ResponseWriter, r *http.Request) {
	dead := s.fleet.DeadNodes()
	if dead == nil {
		dead = []string{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	rec, err := s.fleet.Node(mux.Vars(r)["id"])
	if err != nil {
		s.writeFleetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) forgetNode(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Forget(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeFleetError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxTaskBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(fleeterrors.ErrCodeInvalidInput), "task body too large")
			return
		}
		writeError(w, http.StatusBadRequest, string(fleeterrors.ErrCodeInvalidInput), "cannot read task body")
		return
	}

	if err := s.fleet.SendTask(r.Context(), id, body); err != nil {
		s.writeFleetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"node_id": id,
		"bytes":   len(body),
	})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	entries := s.fleet.Results()
	out := make([]resultResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, renderResult(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func renderResult(e results.Result) resultResponse {
	payload := json.RawMessage(e.Payload)
	if !json.Valid(e.Payload) {
		payload, _ = json.Marshal(string(e.Payload))
	}
	return resultResponse{Topic: e.Topic, Payload: payload, ReceivedAt: e.ReceivedAt}
}

func (s *Server) clearResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.fleet.ClearResults()})
}
