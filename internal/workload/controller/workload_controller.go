// Package controller exposes the workload command API over HTTP. Handlers
// bind request payloads, resolve the caller the auth middleware attached,
// and delegate to the workload service; all policy lives below.
package controller

import (
	"time"

	"warden/internal/workload/model"
	"warden/internal/workload/service"
	"warden/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// WorkloadController handles workload HTTP endpoints.
type WorkloadController struct {
	workloadService *service.WorkloadService
}

// NewWorkloadController creates a new WorkloadController.
func NewWorkloadController(workloadService *service.WorkloadService) *WorkloadController {
	return &WorkloadController{workloadService: workloadService}
}

// Create admits a new workload.
func (h *WorkloadController) Create(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var req CreateWorkloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	w, err := h.workloadService.Create(c.Request.Context(), caller, service.CreateInput{
		OwnerID:    req.OwnerID,
		CodeRef:    req.CodeRef,
		SecretRef:  req.SecretRef,
		Entrypoint: req.Entrypoint,
		Plan:       req.Plan,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, workloadView(w))
}

// Start launches the workload's container.
func (h *WorkloadController) Start(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	if err := h.workloadService.Start(c.Request.Context(), caller, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "workload starting", nil)
}

// Stop brings the workload down. The body is optional; stops are graceful
// unless the caller asks otherwise.
func (h *WorkloadController) Stop(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	req := StopWorkloadRequest{Graceful: true}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request parameters")
			return
		}
	}
	if err := h.workloadService.Stop(c.Request.Context(), caller, c.Param("id"), req.Graceful); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "workload stopped", nil)
}

// Delete removes the workload permanently.
func (h *WorkloadController) Delete(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	if err := h.workloadService.Delete(c.Request.Context(), caller, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "workload deleted", nil)
}

// Adjust applies ledger deltas. The route is admin-gated by middleware;
// the service checks the role again.
func (h *WorkloadController) Adjust(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var req AdjustLedgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	w, err := h.workloadService.Adjust(c.Request.Context(), caller, c.Param("id"), req.DeltaSeconds, req.DeltaPower, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, workloadView(w))
}

// Get returns one workload's ledger record.
func (h *WorkloadController) Get(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	w, err := h.workloadService.Get(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, workloadView(w))
}

// List returns the caller's workloads, or another owner's for admins via
// ?owner_id=.
func (h *WorkloadController) List(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var query ListWorkloadsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	workloads, err := h.workloadService.List(c.Request.Context(), caller, query.OwnerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]WorkloadView, 0, len(workloads))
	for _, w := range workloads {
		items = append(items, workloadView(w))
	}
	response.Success(c, ListWorkloadsResponse{Items: items, Total: len(items)})
}

// Status returns the live telemetry snapshot.
func (h *WorkloadController) Status(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	status, err := h.workloadService.LiveStatus(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// callerFrom resolves the principal the auth middleware attached. A
// missing identity on a protected route means the middleware chain is
// misconfigured, so the request is rejected, not trusted.
func callerFrom(c *gin.Context) (service.Caller, bool) {
	userID, ok := c.Get("user_id")
	if !ok {
		response.Unauthorized(c, "")
		return service.Caller{}, false
	}
	id, ok := userID.(int64)
	if !ok || id <= 0 {
		response.Unauthorized(c, "")
		return service.Caller{}, false
	}
	role := ""
	if v, ok := c.Get("user_role"); ok {
		role, _ = v.(string)
	}
	return service.Caller{UserID: id, Role: role}, true
}

// CreateWorkloadRequest defines the admission payload.
type CreateWorkloadRequest struct {
	OwnerID    int64    `json:"owner_id"`
	CodeRef    string   `json:"code_ref" binding:"required"`
	SecretRef  string   `json:"secret_ref"`
	Entrypoint []string `json:"entrypoint" binding:"required"`
	Plan       string   `json:"plan"`
}

// StopWorkloadRequest defines the optional stop payload.
type StopWorkloadRequest struct {
	Graceful bool `json:"graceful"`
}

// AdjustLedgerRequest defines the ledger adjustment payload.
type AdjustLedgerRequest struct {
	DeltaSeconds int64   `json:"delta_seconds"`
	DeltaPower   float64 `json:"delta_power"`
	Reason       string  `json:"reason" binding:"required"`
}

// ListWorkloadsQuery defines the listing query parameters.
type ListWorkloadsQuery struct {
	OwnerID int64 `form:"owner_id"`
}

// WorkloadView is the API shape of a ledger record. The secret reference
// never leaves the service.
type WorkloadView struct {
	ID               string   `json:"id"`
	OwnerID          int64    `json:"owner_id"`
	Plan             string   `json:"plan"`
	CodeRef          string   `json:"code_ref"`
	Entrypoint       []string `json:"entrypoint"`
	Status           string   `json:"status"`
	SleepReason      string   `json:"sleep_reason,omitempty"`
	SleepSince       string   `json:"sleep_since,omitempty"`
	RemainingSeconds int64    `json:"remaining_seconds"`
	PowerRemaining   float64  `json:"power_remaining"`
	PowerMax         float64  `json:"power_max"`
	RestartCount     int      `json:"restart_count"`
	AutoRecoveryUsed bool     `json:"auto_recovery_used"`
	StartedAt        string   `json:"started_at,omitempty"`
	CPUPercent       float64  `json:"cpu_percent"`
	MemoryMB         float64  `json:"memory_mb"`
	LastCheckedAt    string   `json:"last_checked_at,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

// ListWorkloadsResponse defines the listing response payload.
type ListWorkloadsResponse struct {
	Items []WorkloadView `json:"items"`
	Total int            `json:"total"`
}

func workloadView(w *model.Workload) WorkloadView {
	view := WorkloadView{
		ID:               w.ID,
		OwnerID:          w.OwnerID,
		Plan:             w.Plan,
		CodeRef:          w.CodeRef,
		Entrypoint:       w.Entrypoint,
		Status:           string(w.Status),
		SleepReason:      string(w.SleepReason),
		RemainingSeconds: w.RemainingSeconds,
		PowerRemaining:   w.PowerRemaining,
		PowerMax:         w.PowerMax,
		RestartCount:     w.RestartCount,
		AutoRecoveryUsed: w.AutoRecoveryUsed,
		CPUPercent:       w.CPUPercent,
		MemoryMB:         w.MemoryMB,
		CreatedAt:        formatTime(w.CreatedAt),
		UpdatedAt:        formatTime(w.UpdatedAt),
	}
	if w.SleepSince != nil {
		view.SleepSince = formatTime(*w.SleepSince)
	}
	if !w.StartedAt.IsZero() {
		view.StartedAt = formatTime(w.StartedAt)
	}
	if !w.LastCheckedAt.IsZero() {
		view.LastCheckedAt = formatTime(w.LastCheckedAt)
	}
	return view
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
