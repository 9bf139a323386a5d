package api

import (
	"net/http"

	"github.com/posterrama/devicehub/internal/device"
)

type deviceView struct {
	device.Device
	Connected bool `json:"connected"`
}

// handleListDevices lists registered devices with their live connectivity.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		writeNotFound(w, "device directory not configured")
		return
	}

	devices, err := s.directory.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{Device: d, Connected: s.hub.IsConnected(d.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

func (s *Server) handleConnectedDevices(w http.ResponseWriter, _ *http.Request) {
	ids := s.hub.ConnectedDevices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": ids, "count": len(ids)})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		writeNotFound(w, "device directory not configured")
		return
	}

	groups, err := s.directory.ListGroups(r.Context())
	if err != nil {
		s.logger.Error("listing groups", "error", err)
		writeInternalError(w, "failed to list groups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}
