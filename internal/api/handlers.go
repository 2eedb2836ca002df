package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/vmerr"
	"github.com/oriys/nova/internal/vmpool"
)

// Handler holds the orchestrator and serves the nine routes of spec §6,
// plus the /metrics scrape endpoint (SPEC_FULL §10.5).
type Handler struct {
	Pool      *vmpool.Pool
	AccessLog *logging.AccessLogger
}

// RegisterRoutes wires every route onto mux using Go 1.22 method-pattern
// routing, matching the teacher's ServeMux convention.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1", h.handleIndex)
	mux.HandleFunc("GET /api/v1/vm", h.handleListVMs)
	mux.HandleFunc("POST /api/v1/vm", h.handleCreateVM)
	mux.HandleFunc("GET /api/v1/vm/{vmid}", h.handleGetVM)
	mux.HandleFunc("PUT /api/v1/vm/{vmid}", h.handleModifyMetadata)
	mux.HandleFunc("PUT /api/v1/vm/{vmid}/power_state", h.handlePowerState)
	mux.HandleFunc("DELETE /api/v1/vm/delete", h.handleDeleteVM)
	mux.HandleFunc("POST /api/v1/vm/{vmid}/vm_mem_snapshot", h.handleCreateSnapshot)
	mux.HandleFunc("DELETE /api/v1/vm/{vmid}/vm_mem_snapshot/{vm_mem_snapshot_id}", h.handleDeleteSnapshot)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "Hello, world!")
}

func (h *Handler) handleListVMs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "vm pool orchestrator")
}

type createVMRequest struct {
	Config domain.CreateConfig `json:"config"`
}

type createVMResponse struct {
	VMID      string    `json:"vmid"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmerr.Wrap(vmerr.KindSerde, "decode create request", err))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	vmid, createdAt, err := h.Pool.Create(r.Context(), req.Config, idemKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createVMResponse{VMID: vmid, CreatedAt: createdAt})
}

type getVMRequest struct {
	VMID string `json:"vmid"`
}

// vmViewInfo mirrors VmViewInfo of spec §6: the composite status view.
type vmViewInfo = vmpool.StatusView

func (h *Handler) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vmid := r.PathValue("vmid")
	view, err := h.Pool.GetStatus(r.Context(), vmid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vmViewInfo(view))
}

type modifyMetadataRequest struct {
	VMID     string `json:"vmid"`
	Metadata string `json:"metadata"`
}

type vmidTimeResponse struct {
	VMID string    `json:"vmid"`
	Time time.Time `json:"time"`
}

func (h *Handler) handleModifyMetadata(w http.ResponseWriter, r *http.Request) {
	vmid := r.PathValue("vmid")
	var req modifyMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmerr.Wrap(vmerr.KindSerde, "decode metadata request", err))
		return
	}
	if err := h.Pool.ModifyMetadata(r.Context(), vmid, req.Metadata); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vmidTimeResponse{VMID: vmid, Time: time.Now()})
}

type powerStateRequest struct {
	VMID      string `json:"vmid"`
	Operation string `json:"operation"`
}

func (h *Handler) handlePowerState(w http.ResponseWriter, r *http.Request) {
	vmid := r.PathValue("vmid")
	var req powerStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmerr.Wrap(vmerr.KindSerde, "decode power_state request", err))
		return
	}

	var err error
	switch req.Operation {
	case "Start":
		err = h.Pool.Start(r.Context(), vmid)
	case "Pause":
		err = h.Pool.Pause(r.Context(), vmid)
	case "Resume":
		err = h.Pool.Resume(r.Context(), vmid)
	case "Stop":
		err = h.Pool.Stop(r.Context(), vmid)
	default:
		err = vmerr.New(vmerr.KindIllegalState, fmt.Sprintf("unknown power_state operation %q", req.Operation))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vmidTimeResponse{VMID: vmid, Time: time.Now()})
}

type deleteVMRequest struct {
	VMID string `json:"vmid"`
}

func (h *Handler) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	var req deleteVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmerr.Wrap(vmerr.KindSerde, "decode delete request", err))
		return
	}
	if err := h.Pool.Delete(r.Context(), req.VMID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vmidTimeResponse{VMID: req.VMID, Time: time.Now()})
}

type createSnapshotResponse struct {
	VMID              string `json:"vmid"`
	VMMemSnapshotID   string `json:"vm_mem_snapshot_id"`
}

func (h *Handler) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	vmid := r.PathValue("vmid")
	snapshotID, err := h.Pool.CreateMemSnapshot(r.Context(), vmid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSnapshotResponse{VMID: vmid, VMMemSnapshotID: snapshotID})
}

func (h *Handler) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	vmid := r.PathValue("vmid")
	snapshotID := r.PathValue("vm_mem_snapshot_id")
	if err := h.Pool.DeleteMemSnapshot(r.Context(), vmid, snapshotID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSnapshotResponse{VMID: vmid, VMMemSnapshotID: snapshotID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders every failure as 500 with the error's string
// representation as a plain-text body, per spec §6/§7: the HTTP boundary
// does not classify errors into distinct status codes.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprint(w, err.Error())
}

func newRequestID() string {
	return uuid.NewString()
}
