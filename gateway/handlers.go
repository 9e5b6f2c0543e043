package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/health"
	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// mapErrorToStatus maps classified errors to HTTP status codes. Sentinels
// take precedence over the error class.
func mapErrorToStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, errors.ErrUnknownTelegram),
		stderrors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrAlreadyStarted),
		stderrors.Is(err, errors.ErrNotStarted):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrNotReady),
		stderrors.Is(err, errors.ErrDnrUnavailable),
		stderrors.Is(err, errors.ErrNoConnection):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case stderrors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	}

	switch {
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response and records the request outcome.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
	s.metrics.recordRequest(r.Method, r.Pattern, status)
}

// writeError writes an error response body and counts the failure.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.requestsFailed.Add(1)
	s.writeJSON(w, r, status, errorResponse{Error: message, Status: status})
}

// writeEngineError maps a classified error onto its HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, mapErrorToStatus(err), err.Error())
}

// decodeJSON reads a size-limited JSON body into dst. An empty body leaves
// dst at its zero value. On failure it writes the error response and
// returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	bodyReader := io.LimitReader(r.Body, s.config.MaxRequestSize+1)
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		s.writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.config.MaxRequestSize))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("malformed JSON body: %v", err))
		return false
	}
	return true
}

// comIDFromPath parses the {comId} path segment.
func comIDFromPath(r *http.Request) (uint32, error) {
	raw := r.PathValue("comId")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "Server", "comIDFromPath",
			fmt.Sprintf("ComId %q is not an unsigned 32-bit number", raw))
	}
	return uint32(id), nil
}

// fieldValuesFromJSON interprets raw JSON field values against the
// telegram's dataset definition. Unknown field names are skipped, matching
// the engine's own merge semantics.
func (s *Server) fieldValuesFromJSON(
	comID uint32, raw map[string]json.RawMessage,
) (map[string]telegram.FieldValue, error) {
	def, ok := s.registry.Telegram(comID)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownTelegram, "Server", "fieldValuesFromJSON",
			fmt.Sprintf("ComId %d", comID))
	}
	dataset, ok := s.registry.Dataset(def.DatasetName)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownDataset, "Server", "fieldValuesFromJSON",
			def.DatasetName)
	}

	values := make(map[string]telegram.FieldValue, len(raw))
	for name, rawValue := range raw {
		field, ok := dataset.FindField(name)
		if !ok {
			continue
		}
		value, err := telegram.ValueFromJSON(field, rawValue)
		if err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, nil
}

// handleListTelegrams serves the full telegram state snapshot.
func (s *Server) handleListTelegrams(w http.ResponseWriter, r *http.Request) {
	states, err := s.engine.Snapshot()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, telegramListResponse{
		Telegrams: states,
		Count:     len(states),
	})
}

// handleGetTelegram serves the state of a single telegram.
func (s *Server) handleGetTelegram(w http.ResponseWriter, r *http.Request) {
	comID, err := comIDFromPath(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	states, err := s.engine.Snapshot()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	for _, state := range states {
		if state.ComID == comID {
			s.writeJSON(w, r, http.StatusOK, state)
			return
		}
	}
	s.writeError(w, r, http.StatusNotFound,
		fmt.Sprintf("ComId %d is not configured", comID))
}

// handleSetFields stores field values without transmitting and returns the
// telegram's stored values after the update.
func (s *Server) handleSetFields(w http.ResponseWriter, r *http.Request) {
	comID, err := comIDFromPath(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	var req fieldsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	values, err := s.fieldValuesFromJSON(comID, req.Fields)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.SetFields(comID, values); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := fieldsResponse{ComID: comID}
	if runtime := s.registry.GetOrCreateRuntime(comID); runtime != nil {
		resp.Fields = runtime.SnapshotFields()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleSendTelegram triggers an immediate send, optionally overriding
// stored field values. For cyclic PD telegrams this also activates
// publication.
func (s *Server) handleSendTelegram(w http.ResponseWriter, r *http.Request) {
	comID, err := comIDFromPath(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	var req sendRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	overrides, err := s.fieldValuesFromJSON(comID, req.Fields)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	sessionID, err := s.engine.SendTxTelegram(comID, overrides)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	active, _ := s.engine.TxPublishActive(comID)
	resp := sendResponse{ComID: comID, Active: active}
	if sessionID != (stack.SessionID{}) {
		resp.SessionID = sessionID.String()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleStopTelegram deactivates cyclic publication for a TX PD telegram.
func (s *Server) handleStopTelegram(w http.ResponseWriter, r *http.Request) {
	comID, err := comIDFromPath(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	if err := s.engine.StopTxTelegram(comID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, stopResponse{ComID: comID, Active: false})
}

// handleLoadConfig swaps the telegram configuration for the one at the
// given path. A running engine is stopped for the swap and restarted
// afterwards; when the load fails the previous configuration is restored.
func (s *Server) handleLoadConfig(w http.ResponseWriter, r *http.Request) {
	var req loadConfigRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.writeError(w, r, http.StatusBadRequest, "path is required")
		return
	}

	wasRunning := s.engine.Running()
	if wasRunning {
		if err := s.engine.Stop(s.config.ShutdownTimeout); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}

	if err := s.engine.LoadFromXML(req.Path); err != nil {
		// The registry still holds the previous telegram set; bring the
		// engine back to the state the client found it in.
		if wasRunning {
			if startErr := s.engine.Start(context.Background()); startErr != nil {
				s.logger.Error("Engine restart after failed load",
					"path", req.Path, "error", startErr)
			}
		}
		s.writeEngineError(w, r, err)
		return
	}

	if wasRunning {
		if err := s.engine.Start(context.Background()); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}

	datasets, telegrams := s.registry.Counts()
	s.logger.Info("Telegram configuration loaded",
		"path", req.Path, "datasets", datasets, "telegrams", telegrams)
	s.writeJSON(w, r, http.StatusOK, loadConfigResponse{
		Path:      req.Path,
		Datasets:  datasets,
		Telegrams: telegrams,
		Running:   s.engine.Running(),
	})
}

// handleEngineStart starts the engine worker.
func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(context.Background()); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, engineStateResponse{Running: s.engine.Running()})
}

// handleEngineStop stops the engine worker. Stopping a stopped engine is a
// no-op.
func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(s.config.ShutdownTimeout); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, engineStateResponse{Running: s.engine.Running()})
}

// handleResolveURI resolves a TRDP URI to an IP address.
func (s *Server) handleResolveURI(w http.ResponseWriter, r *http.Request) {
	uri := r.PathValue("uri")
	addr, err := s.engine.URIToIP(uri, true)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, uriResolveResponse{URI: uri, IP: addr.String()})
}

// handleResolveIP resolves an IP address back to its TRDP URI.
func (s *Server) handleResolveIP(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("%q is not an IP address", raw))
		return
	}

	uri, err := s.engine.IPToURI(addr, true)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ipResolveResponse{IP: addr.String(), URI: uri})
}

// handleResolveLabel resolves a vehicle label to its TCN identifiers.
func (s *Server) handleResolveLabel(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	ids, err := s.engine.LabelToIDs(label, true)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, labelResolveResponse{Label: label, LabelIDs: ids})
}

// handleLiveness is a simple liveness probe.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness aggregates component health. A stopped engine or an
// empty telegram set degrades the daemon without failing the probe; an
// unhealthy component fails it.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	for _, c := range s.components {
		meta := c.Meta()
		s.monitor.Update(meta.Name, health.FromComponentHealth(meta.Name, c.Health()))
	}

	if s.engine.Running() {
		s.monitor.UpdateHealthy("engine-state", "engine is running")
	} else {
		s.monitor.UpdateDegraded("engine-state", "engine is stopped")
	}
	if _, telegrams := s.registry.Counts(); telegrams == 0 {
		s.monitor.UpdateDegraded("telegram-set", "no telegram configuration loaded")
	} else {
		s.monitor.UpdateHealthy("telegram-set", "telegram configuration loaded")
	}

	system := s.monitor.AggregateHealth("trdpsim")
	status := http.StatusOK
	if system.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, system)
}
