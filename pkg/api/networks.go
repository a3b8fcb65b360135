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
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
	"github.com/hanzoai/bootnode/pkg/launcher"
)

// networkResponse flattens a launched network for API clients, restoring the
// nested brand object and derived URLs.
type networkResponse struct {
	*launcher.Network
	Brand    launcher.Brand `json:"brand"`
	CloudURL string         `json:"cloud_url"`
	APIURL   string         `json:"api_url"`
	WSURL    string         `json:"ws_url"`
	RPCURL   string         `json:"rpc_url"`
}

func newNetworkResponse(n *launcher.Network) networkResponse {
	return networkResponse{
		Network:  n,
		Brand:    n.Brand(),
		CloudURL: n.CloudURL(),
		APIURL:   n.APIURL(),
		WSURL:    n.WSURL(),
		RPCURL:   n.RPCURL(),
	}
}

func (s *Server) launchNetwork(w http.ResponseWriter, r *http.Request) {
	var req launcher.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	network, err := s.launcher.Launch(r.Context(), &req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, newNetworkResponse(network))
}

func (s *Server) listNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.launcher.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]networkResponse, 0, len(networks))
	for i := range networks {
		out = append(out, newNetworkResponse(&networks[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getNetwork(w http.ResponseWriter, r *http.Request) {
	network, err := s.launcher.Get(r.Context(), chi.URLParam(r, "networkID"))
	if errors.Is(err, bnerrors.ErrNetworkNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newNetworkResponse(network))
}

func (s *Server) scaleNetwork(w http.ResponseWriter, r *http.Request) {
	var req launcher.ScaleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	network, err := s.launcher.Scale(r.Context(), chi.URLParam(r, "networkID"), &req)
	if errors.Is(err, bnerrors.ErrNetworkNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newNetworkResponse(network))
}

func (s *Server) deleteNetwork(w http.ResponseWriter, r *http.Request) {
	network, err := s.launcher.Delete(r.Context(), chi.URLParam(r, "networkID"))
	if errors.Is(err, bnerrors.ErrNetworkNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":     "deleted",
		"network_id": network.ID,
		"name":       network.Name,
	})
}
