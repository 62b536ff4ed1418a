package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tuya-go-home/internal/coordinator"
	"tuya-go-home/internal/protocol"
	"tuya-go-home/internal/session"
	"tuya-go-home/internal/store"
)

// deviceCallTimeout bounds one API request to a device.
const deviceCallTimeout = 10 * time.Second

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Device(r.PathValue("id"))
	if err != nil {
		s.writeDeviceError(w, r.PathValue("id"), err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type registerDeviceRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	LocalKey string `json:"local_key"`
	Version  string `json:"version"`
}

func (s *Server) handleAPIRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.ID == "":
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	case req.Address == "":
		s.writeError(w, http.StatusBadRequest, "address is required")
		return
	case len(req.LocalKey) != 16:
		s.writeError(w, http.StatusBadRequest, "local_key must be 16 characters")
		return
	}
	if _, err := protocol.ParseVersion(req.Version); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dev := &store.Device{
		ID:       req.ID,
		Name:     req.Name,
		Address:  req.Address,
		LocalKey: req.LocalKey,
		Version:  req.Version,
	}
	if err := s.coord.Register(dev); err != nil {
		s.logger.Error("register device", "err", err, "id", req.ID)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	saved, err := s.coord.Device(req.ID)
	if err != nil {
		s.writeDeviceError(w, req.ID, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

type updateDeviceRequest struct {
	Name     *string `json:"name"`
	Address  *string `json:"address"`
	LocalKey *string `json:"local_key"`
	Version  *string `json:"version"`
}

func (s *Server) handleAPIUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.coord.Device(id)
	if err != nil {
		s.writeDeviceError(w, id, err)
		return
	}

	var req updateDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name != nil {
		dev.Name = *req.Name
	}
	if req.Address != nil {
		if *req.Address == "" {
			s.writeError(w, http.StatusBadRequest, "address must not be empty")
			return
		}
		dev.Address = *req.Address
	}
	if req.LocalKey != nil {
		if len(*req.LocalKey) != 16 {
			s.writeError(w, http.StatusBadRequest, "local_key must be 16 characters")
			return
		}
		dev.LocalKey = *req.LocalKey
	}
	if req.Version != nil {
		if _, err := protocol.ParseVersion(*req.Version); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		dev.Version = *req.Version
	}

	if err := s.coord.Register(dev); err != nil {
		s.logger.Error("update device", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Remove(id); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIQueryDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()

	dps, err := s.coord.Status(ctx, id)
	if err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dps": dps})
}

func (s *Server) handleAPISetDPS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Accept both {"1": true} and {"dps": {"1": true}}.
	if inner, ok := req["dps"].(map[string]any); ok && len(req) == 1 {
		req = inner
	}
	if len(req) == 0 {
		s.writeError(w, http.StatusBadRequest, "no data points")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	if err := s.coord.Set(ctx, id, req); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type refreshRequest struct {
	DPIDs []int `json:"dp_ids"`
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req refreshRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.DPIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "dp_ids must not be empty")
		return
	}
	if len(req.DPIDs) > 255 {
		s.writeError(w, http.StatusBadRequest, "dp_ids limited to 255")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	if err := s.coord.Refresh(ctx, id, req.DPIDs); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDeviceError maps coordinator and session failures to HTTP statuses.
func (s *Server) writeDeviceError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, coordinator.ErrNotConnected):
		s.writeError(w, http.StatusServiceUnavailable, "device not connected")
	case errors.Is(err, session.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "device timeout")
	default:
		s.logger.Warn("device request failed", "id", id, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
