package rpcserver

import (
	"encoding/json"
	"net/http"

	"agrilend/internal/apierr"
	"agrilend/internal/domain"
)

// --- Liquidation ---

func (s *Server) handleCheckEligibility(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseUint64Param(r, "loanID")
	if err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid loanID"))
		return
	}
	eligible, reason, err := s.Liquidation.Eligibility(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"eligible": eligible, "reason": reason})
}

type triggerLiquidationRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleTriggerLiquidation(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseUint64Param(r, "loanID")
	if err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid loanID"))
		return
	}
	var req triggerLiquidationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	// The periodic scanner invokes liquidation.Bulk in-process, so every
	// caller reaching this endpoint must hold the Admin capability.
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	rec, err := s.Liquidation.Trigger(domain.Principal(req.Caller), loanID)
	if err != nil {
		s.Metrics.LiquidationsFailed.Inc()
		writeError(w, err)
		return
	}
	s.Metrics.LiquidationsTriggered.Inc()
	writeJSON(w, http.StatusOK, rec)
}

type adminResolutionRequest struct {
	Caller     string `json:"caller"`
	ReleaseNFT *bool  `json:"release_nft"`
	Reason     string `json:"reason"`
}

// handleAdminResolution is the out-of-band emergency path: an admin settles
// a distressed loan outside the automated eligibility check, explicitly
// choosing whether the collateral is released or seized. Left outside the
// emergency guard on purpose, since it is exactly the kind of corrective
// action an operator needs during an incident.
func (s *Server) handleAdminResolution(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseUint64Param(r, "loanID")
	if err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid loanID"))
		return
	}
	var req adminResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	if req.ReleaseNFT == nil {
		writeError(w, apierr.New(apierr.KindValidation, "release_nft must be set explicitly"))
		return
	}
	l, err := s.Liquidation.AdminResolution(domain.Principal(req.Caller), loanID, *req.ReleaseNFT, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Governance ---

type updateParametersRequest struct {
	Caller     string                    `json:"caller"`
	Parameters domain.ProtocolParameters `json:"parameters"`
}

func (s *Server) handleUpdateProtocolParameters(w http.ResponseWriter, r *http.Request) {
	var req updateParametersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	updated, err := s.Governance.Update(domain.Principal(req.Caller), req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type adminPrincipalRequest struct {
	Caller    string `json:"caller"`
	Principal string `json:"principal"`
}

func (s *Server) handleGrantAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminPrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	if err := s.Governance.GrantAdmin(domain.Principal(req.Caller), domain.Principal(req.Principal)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (s *Server) handleRevokeAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminPrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	if err := s.Governance.RevokeAdmin(domain.Principal(req.Caller), domain.Principal(req.Principal)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type emergencyRequest struct {
	Caller string `json:"caller"`
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	if err := s.Governance.SetEmergencyStop(domain.Principal(req.Caller), true, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleResumeOperations(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	if err := s.Governance.SetEmergencyStop(domain.Principal(req.Caller), false, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleEnterMaintenance(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	if err := s.Governance.SetMaintenanceMode(domain.Principal(req.Caller), true, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "maintenance_mode_on"})
}

func (s *Server) handleExitMaintenance(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	if err := s.Governance.SetMaintenanceMode(domain.Principal(req.Caller), false, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "maintenance_mode_off"})
}
