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
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hanzoai/bootnode/pkg/billing/commerce"
	"github.com/hanzoai/bootnode/pkg/billing/tiers"
	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
)

func (s *Server) usageStats(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	// Projects without a subscription row bill as free tier.
	tier := tiers.Free
	if sub, err := s.subs.Get(r.Context(), projectID); err == nil {
		tier = sub.Tier
	} else if !errors.Is(err, bnerrors.ErrSubscriptionNotFound) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stats, err := s.tracker.UsageStats(r.Context(), projectID.String(), tier)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// commerceWebhook verifies and applies a Commerce event. Handler failures
// are reported inside a 200 response so Commerce does not retry forever;
// only a bad signature is rejected.
func (s *Server) commerceWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	if !s.webhooks.VerifySignature(body, r.Header.Get(commerce.SignatureHeader)) {
		s.log.Warnw("Commerce webhook rejected", "reason", bnerrors.ErrInvalidSignature)
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event, err := commerce.DecodeEvent(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	result := s.webhooks.HandleEvent(r.Context(), event)
	if handled, ok := result["handled"].(bool); ok && !handled {
		s.log.Debugw("Commerce webhook not handled", "type", event.Type, "result", result)
	}
	s.writeJSON(w, http.StatusOK, result)
}
