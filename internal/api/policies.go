// ABOUTME: Trust policy CRUD handlers
// ABOUTME: Policies are validated before they reach the store

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/trust"
)

// PolicyRequest is the body for creating or replacing a policy.
type PolicyRequest struct {
	Conditions  []store.TrustCondition `json:"conditions"`
	Action      string                 `json:"action"`
	Description string                 `json:"description,omitempty"`
}

func (a *API) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	policies, err := a.policies.ListPoliciesForTool(r.Context(), toolID)
	if err != nil {
		a.logger.Error("listing policies", "tool_id", toolID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing policies failed")
		return
	}
	if policies == nil {
		policies = []*store.TrustPolicy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

func (a *API) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p := &store.TrustPolicy{
		ToolID:      chi.URLParam(r, "toolID"),
		Conditions:  req.Conditions,
		Action:      req.Action,
		Description: req.Description,
	}
	if err := trust.ValidatePolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.policies.CreatePolicy(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "policy already exists")
			return
		}
		a.logger.Error("creating policy", "tool_id", p.ToolID, "error", err)
		writeError(w, http.StatusInternalServerError, "creating policy failed")
		return
	}
	a.logger.Info("policy created", "policy_id", p.ID, "tool_id", p.ToolID, "action", p.Action)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := a.loadPolicy(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	existing, ok := a.loadPolicy(w, r)
	if !ok {
		return
	}
	var req PolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	existing.Conditions = req.Conditions
	existing.Action = req.Action
	existing.Description = req.Description
	if err := trust.ValidatePolicy(existing); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.policies.UpdatePolicy(r.Context(), existing); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		a.logger.Error("updating policy", "policy_id", existing.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "updating policy failed")
		return
	}
	a.logger.Info("policy updated", "policy_id", existing.ID, "action", existing.Action)
	writeJSON(w, http.StatusOK, existing)
}

func (a *API) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "policyID")
	if err := a.policies.DeletePolicy(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		a.logger.Error("deleting policy", "policy_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "deleting policy failed")
		return
	}
	a.logger.Info("policy deleted", "policy_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) loadPolicy(w http.ResponseWriter, r *http.Request) (*store.TrustPolicy, bool) {
	id := chi.URLParam(r, "policyID")
	p, err := a.policies.GetPolicy(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return nil, false
	}
	if err != nil {
		a.logger.Error("loading policy", "policy_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading policy failed")
		return nil, false
	}
	return p, true
}
