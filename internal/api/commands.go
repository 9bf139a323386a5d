package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/posterrama/devicehub/internal/audit"
	"github.com/posterrama/devicehub/internal/broadcast"
	"github.com/posterrama/devicehub/internal/device"
	"github.com/posterrama/devicehub/internal/hub"
)

// maxTimeoutMS caps a caller-requested ack timeout.
const maxTimeoutMS = 120_000

// responseWriteWindow is the write deadline a response gets once a wait on
// devices returns. The wait itself may outlast the server's WriteTimeout.
const responseWriteWindow = 10 * time.Second

// commandRequest is the body of the device and group command routes.
type commandRequest struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Wait      *bool           `json:"wait,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

func (c commandRequest) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func decodeCommand(r *http.Request) (*commandRequest, error) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Type == "" {
		return nil, errors.New("type is required")
	}
	if req.TimeoutMS < 0 || req.TimeoutMS > maxTimeoutMS {
		return nil, fmt.Errorf("timeout_ms must be between 0 and %d", maxTimeoutMS)
	}
	return &req, nil
}

// extendWriteDeadline resets the connection's write deadline for a
// response that has been waiting on devices.
func (s *Server) extendWriteDeadline(w http.ResponseWriter) {
	err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(responseWriteWindow))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("extending write deadline", "error", err)
	}
}

// waitFlag lets ?wait= override the body's wait field.
func waitFlag(r *http.Request, body *bool) (bool, error) {
	if q := r.URL.Query().Get("wait"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			return false, fmt.Errorf("wait must be true or false")
		}
		return v, nil
	}
	return body != nil && *body, nil
}

// handleGroupCommand sends a command to every member of a group.
func (s *Server) handleGroupCommand(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	req, err := decodeCommand(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	wait, err := waitFlag(r, req.Wait)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.groups.SendToGroup(r.Context(), groupID,
		broadcast.Command{Type: req.Type, Payload: req.Payload},
		broadcast.Options{Wait: wait, PerDeviceTimeout: req.timeout()},
	)
	if wait {
		s.extendWriteDeadline(w)
	}
	entry := audit.Entry{
		Action: audit.ActionGroupCommand, TargetType: audit.TargetGroup, TargetID: groupID,
		Details: map[string]any{"type": req.Type, "wait": wait},
	}
	switch {
	case errors.Is(err, device.ErrGroupNotFound):
		writeNotFound(w, "group not found")
		return
	case errors.Is(err, broadcast.ErrInvalidCommand):
		writeBadRequest(w, err.Error())
		return
	case err != nil:
		s.logger.Error("group command failed", "group_id", groupID, "error", err)
		entry.Outcome = "error"
		s.record(r, entry)
		writeInternalError(w, "group command failed")
		return
	}

	entry.Outcome = "ok"
	entry.Details["total"] = res.Total
	entry.Details["live"] = res.Live
	entry.Details["queued"] = res.Queued
	s.record(r, entry)
	writeJSON(w, http.StatusOK, res)
}

// handleDeviceCommand sends a command to one device, optionally waiting
// for its ack.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	req, err := decodeCommand(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	wait, err := waitFlag(r, req.Wait)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entry := audit.Entry{
		Action: audit.ActionDeviceCommand, TargetType: audit.TargetDevice, TargetID: deviceID,
		Details: map[string]any{"type": req.Type, "wait": wait},
	}

	if !wait {
		sent := s.hub.SendFireAndForget(deviceID, req.Type, req.Payload)
		entry.Outcome = sentOutcome(sent)
		s.record(r, entry)
		writeJSON(w, http.StatusOK, map[string]any{"ok": sent, "sent": sent})
		return
	}

	ack, err := s.hub.SendAwaitAck(r.Context(), deviceID, req.Type, req.Payload, req.timeout())
	s.extendWriteDeadline(w)
	if err != nil {
		entry.Outcome = hub.DeliveryCode(err)
		s.record(r, entry)
		s.writeDeliveryError(w, r, deviceID, err)
		return
	}
	entry.Outcome = "ok"
	entry.Details["device_status"] = ack.Status
	s.record(r, entry)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ack": ack})
}

// writeDeliveryError maps a hub delivery failure onto an HTTP status,
// keeping the hub's wire code as the error code.
func (s *Server) writeDeliveryError(w http.ResponseWriter, r *http.Request, deviceID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, hub.ErrAckTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, hub.ErrSocketClosed):
		status = http.StatusBadGateway
	case errors.Is(err, hub.ErrSendBufferFull), errors.Is(err, hub.ErrHubClosed):
		status = http.StatusServiceUnavailable
	case r.Context().Err() != nil:
		// The operator went away; nobody reads this response.
		return
	default:
		s.logger.Error("device command failed", "device_id", deviceID, "error", err)
	}
	writeError(w, status, hub.DeliveryCode(err), err.Error())
}

// handleDeviceSettings pushes the request body to the device as a
// settings patch.
func (s *Server) handleDeviceSettings(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var patch map[string]json.RawMessage
	if err := decodeBody(r, &patch); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if patch == nil {
		writeBadRequest(w, "settings patch must be a JSON object")
		return
	}

	sent := s.hub.SendApplySettings(deviceID, patch)
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.record(r, audit.Entry{
		Action: audit.ActionSettings, TargetType: audit.TargetDevice, TargetID: deviceID,
		Outcome: sentOutcome(sent), Details: map[string]any{"keys": keys},
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": sent, "sent": sent})
}

// handleBroadcast sends a fire-and-forget command to every connected device.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCommand(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	attempted := s.hub.Broadcast(req.Type, req.Payload)
	outcome := "attempted"
	if !attempted {
		outcome = "no_devices"
	}
	s.record(r, audit.Entry{
		Action: audit.ActionBroadcast, TargetType: audit.TargetFleet,
		Outcome: outcome, Details: map[string]any{"type": req.Type},
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "attempted": attempted})
}
