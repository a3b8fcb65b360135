/*
Copyright 2024 The Bootnode Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
	"github.com/hanzoai/bootnode/pkg/fleet"
)

func (s *Server) createFleet(w http.ResponseWriter, r *http.Request) {
	var req fleet.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.fleets.Create(r.Context(), &req)
	if errors.Is(err, bnerrors.ErrFleetExists) {
		s.writeError(w, http.StatusConflict,
			fmt.Sprintf("Fleet %s already exists", fleet.FleetID(req.Name, req.Network)))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listFleets(w http.ResponseWriter, r *http.Request) {
	if clusterID := r.URL.Query().Get("cluster_id"); clusterID != "" {
		fleets, err := s.fleets.List(r.Context(), clusterID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, fleets)
		return
	}
	s.writeJSON(w, http.StatusOK, s.fleets.Registered())
}

func (s *Server) fleetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.fleets.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getFleet(w http.ResponseWriter, r *http.Request) {
	result, err := s.fleets.Status(r.Context(), chi.URLParam(r, "fleetID"))
	if errors.Is(err, bnerrors.ErrFleetNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) updateFleet(w http.ResponseWriter, r *http.Request) {
	var req fleet.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.fleets.Update(r.Context(), chi.URLParam(r, "fleetID"), &req)
	if errors.Is(err, bnerrors.ErrFleetNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) scaleFleet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Replicas int `json:"replicas"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.fleets.Scale(r.Context(), chi.URLParam(r, "fleetID"), req.Replicas)
	if errors.Is(err, bnerrors.ErrFleetNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// restartFleet kicks off a rolling restart in the background and returns 202
// immediately; a restart can take minutes per pod.
func (s *Server) restartFleet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fleetID")
	if _, err := s.fleets.Status(r.Context(), id); err != nil {
		if errors.Is(err, bnerrors.ErrFleetNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		restarted, err := s.fleets.RollingRestart(ctx, id)
		if err != nil {
			s.log.Errorw("Rolling restart failed", "fleet", id, zap.Error(err))
			return
		}
		s.log.Infow("Rolling restart complete", "fleet", id, "pods", restarted)
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "restarting",
	})
}

func (s *Server) deleteFleet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fleetID")
	err := s.fleets.Destroy(r.Context(), id)
	if errors.Is(err, bnerrors.ErrFleetNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "destroyed"})
}

func (s *Server) fleetLogs(w http.ResponseWriter, r *http.Request) {
	pod := r.URL.Query().Get("pod")
	if pod == "" {
		s.writeError(w, http.StatusBadRequest, "pod query parameter is required")
		return
	}
	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = parsed
	}

	logs, err := s.fleets.PodLogs(r.Context(), chi.URLParam(r, "fleetID"), pod, tail)
	if errors.Is(err, bnerrors.ErrFleetNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"pod": pod, "logs": logs})
}

func (s *Server) fleetNodeHealth(w http.ResponseWriter, r *http.Request) {
	pod := r.URL.Query().Get("pod")
	if pod == "" {
		s.writeError(w, http.StatusBadRequest, "pod query parameter is required")
		return
	}

	probe, err := s.fleets.ProbeNodeHealth(r.Context(), chi.URLParam(r, "fleetID"), pod)
	if errors.Is(err, bnerrors.ErrFleetNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, probe)
}
