package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"sentimetry.app/cloud/internal/logger"
	"sentimetry.app/cloud/license"
	"sentimetry.app/cloud/models"
)

type ValidateRequest struct {
	LicenseKey string `json:"license_key"`
	NodeType   string `json:"node_type"`
}

type ValidateResponse struct {
	Valid   bool               `json:"valid"`
	Message string             `json:"message,omitempty"`
	Result  *models.Validation `json:"result,omitempty"`
}

// ValidateLicense resolves a key's entitlement for a plugin node. A
// malformed key gets a 400, an invalid key a 200 with valid=false, so
// the node can distinguish "fix your input" from "your license is gone".
func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.LicenseKey == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_key required")
		return
	}
	if req.NodeType == "" {
		req.NodeType = "any"
	}

	result, err := s.Validator.Validate(r.Context(), req.LicenseKey, req.NodeType)
	switch {
	case errors.Is(err, license.ErrInvalidFormat):
		writeJSON(w, http.StatusBadRequest, ValidateResponse{Valid: false, Message: "License key format invalid"})
	case errors.Is(err, license.ErrLicenseInvalid):
		writeJSON(w, http.StatusOK, ValidateResponse{Valid: false, Message: "License not valid"})
	case err != nil:
		logger.Error("License validation failed", map[string]interface{}{
			"error":       err.Error(),
			"license_key": req.LicenseKey,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Validation failed")
	default:
		writeJSON(w, http.StatusOK, ValidateResponse{Valid: true, Message: "License valid", Result: &result})
	}
}

type UsageCheckRequest struct {
	LicenseKey string `json:"license_key"`
	Operation  string `json:"operation"`
	BatchSize  int64  `json:"batch_size,omitempty"`
}

type UsageCheckResponse struct {
	Allowed bool               `json:"allowed"`
	Message string             `json:"message,omitempty"`
	Current int64              `json:"current,omitempty"`
	Limit   int64              `json:"limit,omitempty"`
	Result  *models.Validation `json:"result,omitempty"`
}

// CheckUsage gates an operation: validation first, then quota. On success
// one unit (or the batch size) is already reserved; the caller performs
// the operation and posts the usage record afterwards.
func (s *Server) CheckUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.LicenseKey == "" || req.Operation == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_key and operation required")
		return
	}

	var result models.Validation
	var err error
	if req.BatchSize > 1 {
		result, err = s.Meter.CheckBatch(r.Context(), req.LicenseKey, req.Operation, req.BatchSize)
	} else {
		result, err = s.Meter.CheckAndReserve(r.Context(), req.LicenseKey, req.Operation)
	}

	var quotaErr *license.QuotaExceededError
	var batchErr *license.BatchTooLargeError
	switch {
	case errors.Is(err, license.ErrInvalidFormat):
		writeJSON(w, http.StatusBadRequest, UsageCheckResponse{Allowed: false, Message: "License key format invalid"})
	case errors.Is(err, license.ErrLicenseInvalid):
		writeJSON(w, http.StatusForbidden, UsageCheckResponse{Allowed: false, Message: "License not valid"})
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, UsageCheckResponse{
			Allowed: false,
			Message: quotaErr.Error(),
			Current: quotaErr.Current,
			Limit:   quotaErr.Limit,
		})
	case errors.As(err, &batchErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, UsageCheckResponse{
			Allowed: false,
			Message: batchErr.Error(),
			Current: batchErr.Size,
			Limit:   batchErr.Limit,
		})
	case err != nil:
		logger.Error("Usage check failed", map[string]interface{}{
			"error":       err.Error(),
			"license_key": req.LicenseKey,
			"operation":   req.Operation,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Usage check failed")
	default:
		writeJSON(w, http.StatusOK, UsageCheckResponse{
			Allowed: true,
			Current: result.Usage.Current,
			Limit:   result.Limits.Monthly,
			Result:  &result,
		})
	}
}

type UsageRecordRequest struct {
	LicenseKey string `json:"license_key"`
	Operation  string `json:"operation"`
	Count      int64  `json:"count,omitempty"`
}

// RecordUsage accepts a post-operation usage record. Always 202: the
// operation already happened, recording is best effort.
func (s *Server) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.LicenseKey == "" || req.Operation == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_key and operation required")
		return
	}
	if req.Count < 1 {
		req.Count = 1
	}

	s.Meter.RecordUsage(req.LicenseKey, req.Operation, req.Count)
	writeJSON(w, http.StatusAccepted, map[string]bool{"recorded": true})
}
