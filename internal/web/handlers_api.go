package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"zigbee-go-deconz/internal/store"
	"zigbee-go-deconz/internal/zcl"
	"zigbee-go-deconz/internal/zdo"
)

// pathIEEE reads {ieee} and normalises it to the stored form.
func (s *Server) pathIEEE(w http.ResponseWriter, r *http.Request) (string, bool) {
	v, err := zdo.ParseIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid ieee address")
		return "", false
	}
	return zcl.FormatUint64(v), true
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
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
	ieee, ok := s.pathIEEE(w, r)
	if !ok {
		return
	}
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.pathIEEE(w, r)
	if !ok {
		return
	}
	if err := s.coord.Devices().RemoveDevice(r.Context(), ieee); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("delete device", "err", err, "ieee", ieee)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readAttributesRequest struct {
	Endpoint  uint8    `json:"endpoint"`
	ClusterID uint16   `json:"cluster_id"`
	AttrIDs   []uint16 `json:"attr_ids"`
}

func (s *Server) handleAPIReadAttributes(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.pathIEEE(w, r)
	if !ok {
		return
	}
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var req readAttributesRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AttrIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "attr_ids must not be empty")
		return
	}
	if len(req.AttrIDs) > 50 {
		s.writeError(w, http.StatusBadRequest, "attr_ids limited to 50")
		return
	}

	results, err := s.coord.ReadAttributes(r.Context(), dev.NetworkAddress, req.Endpoint, req.ClusterID, req.AttrIDs)
	if err != nil {
		s.logger.Error("read attributes", "err", err, "ieee", ieee)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.coord.NetworkInfo(r.Context())
	if err != nil {
		s.logger.Error("network info", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPICoordinator(w http.ResponseWriter, r *http.Request) {
	info, err := s.coord.LocalCoordinator()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.coord.PermitJoin(r.Context(), req.Duration); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duration": req.Duration})
}

// pathAddr reads {addr} as a network address in decimal or 0x-hex form.
func (s *Server) pathAddr(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	v, err := strconv.ParseUint(r.PathValue("addr"), 0, 16)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid network address")
		return 0, false
	}
	return uint16(v), true
}

func (s *Server) handleAPIScanTopology(w http.ResponseWriter, r *http.Request) {
	nwk, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	snap, err := s.coord.ScanTopology(r.Context(), nwk)
	if err != nil {
		s.logger.Error("scan topology", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPIGetTopology(w http.ResponseWriter, r *http.Request) {
	nwk, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	snap, err := s.coord.Topology(nwk)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no topology snapshot")
			return
		}
		s.logger.Error("get topology", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Registry().All())
}
