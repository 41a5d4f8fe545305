package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"transit/internal/protocol"
	"transit/internal/registry"
)

type issueCommandRequest struct {
	Command string                `json:"command"`
	Args    []string              `json:"args"`
	Expect  *protocol.Expectation `json:"expect,omitempty"`
}

type commandStatus struct {
	TraceID string                  `json:"traceId"`
	Status  string                  `json:"status"`
	Result  *protocol.CommandResult `json:"result,omitempty"`
}

type clientDetail struct {
	registry.ClientInfo
	Reports *AgentReports `json:"reports,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func identityFromPath(r *http.Request) registry.Identity {
	return registry.Identity{AppID: r.PathValue("appId"), AgentID: r.PathValue("agentId")}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.registry.CountLive(),
	})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id := identityFromPath(r)
	info, ok := s.registry.FindByIdentity(id)
	if !ok {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}

	detail := clientDetail{ClientInfo: info}
	if reports, ok := s.reports.Get(id); ok {
		detail.Reports = &reports
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDisconnectClient(w http.ResponseWriter, r *http.Request) {
	id := identityFromPath(r)
	if !s.registry.Unregister(id) {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	s.logger.Info("client disconnected by api", "identity", id.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleIssueCommand sends a command to one agent. With ?wait=true the
// response carries the result; otherwise it returns the traceId at once.
func (s *Server) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	id := identityFromPath(r)

	var body issueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if body.Args == nil {
		body.Args = []string{}
	}

	req := protocol.CommandRequest{
		TraceID: uuid.NewString(),
		Command: body.Command,
		Args:    body.Args,
		Expect:  body.Expect,
	}
	if err := s.registry.DispatchCommand(id, req); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, commandStatus{TraceID: req.TraceID, Status: "pending"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandWait)
	defer cancel()
	result, err := s.registry.Await(ctx, req.TraceID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, commandStatus{TraceID: req.TraceID, Status: "done", Result: &result})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusAccepted, commandStatus{TraceID: req.TraceID, Status: "pending"})
	case errors.Is(err, registry.ErrAbandoned):
		writeJSON(w, http.StatusBadGateway, commandStatus{TraceID: req.TraceID, Status: "abandoned"})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("traceId")

	if result, ok := s.registry.Result(traceID); ok {
		writeJSON(w, http.StatusOK, commandStatus{TraceID: traceID, Status: "done", Result: &result})
		return
	}
	if s.registry.IsPending(traceID) {
		writeJSON(w, http.StatusOK, commandStatus{TraceID: traceID, Status: "pending"})
		return
	}
	writeError(w, http.StatusNotFound, "unknown trace id")
}

// handleListCommands returns recently completed results, oldest first.
// ?limit=n keeps only the newest n.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	results := s.registry.RecentResults()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(results) {
			results = results[len(results)-limit:]
		}
	}

	out := make([]commandStatus, 0, len(results))
	for i := range results {
		out = append(out, commandStatus{TraceID: results[i].TraceID, Status: "done", Result: &results[i]})
	}
	writeJSON(w, http.StatusOK, out)
}
