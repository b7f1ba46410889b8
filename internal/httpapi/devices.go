package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/devicepool"
)

func (s *Server) handleDevicesPool(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.pool.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []devicepool.Record{}
	}
	writeJSON(w, http.StatusOK, map[string][]devicepool.Record{"devices": devices})
}

func (s *Server) handleDevicesClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Criteria  devicepool.Criteria `json:"criteria"`
		SessionID string              `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	rec, err := s.pool.Claim(req.Criteria, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Device    *devicepool.Record `json:"device"`
		SessionID string             `json:"session_id"`
	}{rec, req.SessionID})
}

func (s *Server) handleDevicesRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UDID      string `json:"udid"`
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UDID == "" {
		writeError(w, apierr.New(apierr.InvalidArgument, "udid is required"))
		return
	}
	rec, err := s.pool.Release(req.UDID, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*devicepool.Record{"device": rec})
}

func (s *Server) handleDevicesCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeSeconds float64 `json:"max_age"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	released, err := s.pool.Cleanup(time.Duration(req.MaxAgeSeconds * float64(time.Second)))
	if err != nil {
		writeError(w, err)
		return
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"released": released})
}

func (s *Server) handleDevicesRefresh(w http.ResponseWriter, _ *http.Request) {
	if err := s.pool.Refresh(true); err != nil {
		writeError(w, apierr.Wrap(apierr.SubprocessFailed, err, "device refresh failed"))
		return
	}
	s.handleDevicesPool(w, nil)
}

func (s *Server) handleDevicesResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Criteria       devicepool.Criteria `json:"criteria"`
		Boot           bool                `json:"boot"`
		Claim          bool                `json:"claim"`
		SessionID      string              `json:"session_id"`
		TimeoutSeconds float64             `json:"wait_timeout"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Claim && req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	rec, err := s.pool.Resolve(r.Context(), s.booter, devicepool.ResolveOptions{
		Criteria:    req.Criteria,
		Boot:        req.Boot,
		Claim:       req.Claim,
		SessionID:   req.SessionID,
		WaitTimeout: clampTimeout(req.TimeoutSeconds, 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := struct {
		Device    *devicepool.Record `json:"device"`
		SessionID string             `json:"session_id,omitempty"`
	}{rec, ""}
	if req.Claim {
		resp.SessionID = req.SessionID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevicesEnsure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count     int                 `json:"count"`
		Criteria  devicepool.Criteria `json:"criteria"`
		SessionID string              `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.pool.Ensure(r.Context(), s.booter, req.Count, req.Criteria, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]devicepool.EnsureResult{"devices": results})
}
