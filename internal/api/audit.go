package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/posterrama/devicehub/internal/audit"
)

// record writes an audit entry for the operator behind r. A failed write
// is logged and never fails the request.
func (s *Server) record(r *http.Request, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		e.Operator = claims.Subject
	}
	// The command already happened; record it even if the operator hung up.
	ctx := context.WithoutCancel(r.Context())
	if err := s.audit.Create(ctx, &e); err != nil {
		s.logger.Warn("writing audit entry", "action", e.Action, "target_id", e.TargetID, "error", err)
	}
}

func sentOutcome(sent bool) string {
	if sent {
		return "sent"
	}
	return "not_sent"
}

// handleListAudit pages through the audit trail, newest first.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotFound(w, "audit trail not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
		Operator:   q.Get("operator"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeBadRequest(w, name+" must be an integer")
				return
			}
			*dst = n
		}
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
