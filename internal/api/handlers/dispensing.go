// Package handlers provides HTTP handlers for the dispensing API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/api/middleware"
	"github.com/rxsys/go-dispense/internal/domain/dispensing"
	"github.com/rxsys/go-dispense/internal/domain/inventory"
	"github.com/rxsys/go-dispense/internal/observability/metrics"
	"github.com/rxsys/go-dispense/pkg/idempotency"
)

// DispensingHandler exposes the dispensing pipeline over HTTP.
type DispensingHandler struct {
	orchestrator *dispensing.Orchestrator
	records      *dispensing.Repository
	inbox        *idempotency.Inbox
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewDispensingHandler creates the handler. The inbox may be nil, in which
// case requests are not deduplicated.
func NewDispensingHandler(orch *dispensing.Orchestrator, records *dispensing.Repository, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *DispensingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispensingHandler{
		orchestrator: orch,
		records:      records,
		inbox:        inbox,
		metrics:      m,
		logger:       logger,
	}
}

// Routes returns the handler routes.
func (h *DispensingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Dispense)
	r.Get("/{id}", h.Get)
	return r
}

// rejectionStatus maps each rejection reason to an HTTP status.
func rejectionStatus(reason dispensing.Reason) int {
	switch reason {
	case dispensing.ReasonSafetyBlocked, dispensing.ReasonControlledSubstanceRuleViolation:
		return http.StatusUnprocessableEntity
	case dispensing.ReasonPriorAuthMissing:
		return http.StatusPreconditionFailed
	case dispensing.ReasonPrescriptionNotActive, dispensing.ReasonRefillsExhausted,
		dispensing.ReasonPharmacyInactive:
		return http.StatusConflict
	case dispensing.ReasonInsufficientStock:
		return http.StatusConflict
	case dispensing.ReasonCommitFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Dispense handles POST /dispensings.
func (h *DispensingHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req dispensing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Rejections are settled outcomes and get stored for replay; only
	// infrastructure failures surface as errors so the entry stays
	// retryable.
	run := func(ctx context.Context) ([]byte, int, error) {
		result, err := h.orchestrator.Dispense(ctx, &req)
		if err != nil {
			var rejection *dispensing.Rejection
			if errors.As(err, &rejection) {
				h.metrics.DispensingsRejected.WithLabelValues(string(rejection.Reason)).Inc()
				body, _ := json.Marshal(rejection)
				return body, rejectionStatus(rejection.Reason), nil
			}
			return nil, 0, err
		}

		h.metrics.DispensingsCompleted.Inc()
		body, _ := json.Marshal(result)
		return body, http.StatusCreated, nil
	}

	var body []byte
	var status int

	if h.inbox != nil {
		at := time.Now().UTC()
		if req.At != nil {
			at = *req.At
		}
		key := idempotency.RequestKey(req.PrescriptionItemID, req.PharmacyID, req.Quantity, at)

		outcome, err := h.inbox.Process(ctx, key, "dispense", run)
		if err != nil {
			if errors.Is(err, idempotency.ErrInProgress) {
				h.jsonError(w, "request already in progress", http.StatusConflict)
				return
			}
			h.logger.Error("dispense failed",
				zap.Error(err),
				zap.String("request_id", middleware.GetRequestID(ctx)))
			h.jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		body, status = outcome.Body, outcome.Status
	} else {
		var err error
		body, status, err = run(ctx)
		if err != nil {
			h.logger.Error("dispense failed",
				zap.Error(err),
				zap.String("request_id", middleware.GetRequestID(ctx)))
			h.jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	h.metrics.DispenseDuration.Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// Get handles GET /dispensings/{id}.
func (h *DispensingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.records.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispensing.ErrNotFound) {
			h.jsonError(w, "dispensing not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get dispensing failed", zap.Error(err))
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (h *DispensingHandler) jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RestockStore persists restock deltas for lot rows.
type RestockStore interface {
	Restock(ctx context.Context, lot *inventory.Lot, quantity int) error
}

// InventoryHandler exposes restock intake.
type InventoryHandler struct {
	ledger *inventory.Ledger
	repo   RestockStore
	logger *zap.Logger
}

// NewInventoryHandler creates the handler.
func NewInventoryHandler(ledger *inventory.Ledger, repo RestockStore, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{ledger: ledger, repo: repo, logger: logger}
}

// Routes returns the handler routes.
func (h *InventoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/restock", h.Restock)
	return r
}

// RestockRequest is the restock intake body.
type RestockRequest struct {
	PharmacyID     string     `json:"pharmacy_id"`
	MedicationID   string     `json:"medication_id"`
	LotNumber      string     `json:"lot_number"`
	Quantity       int        `json:"quantity"`
	ReorderLevel   int        `json:"reorder_level"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

// Restock handles POST /inventory/restock.
func (h *InventoryHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.PharmacyID == "" || req.MedicationID == "" || req.Quantity <= 0 {
		http.Error(w, `{"error":"pharmacy_id, medication_id and a positive quantity are required"}`, http.StatusBadRequest)
		return
	}

	lot, err := h.ledger.Restock(req.PharmacyID, req.MedicationID, req.LotNumber, req.Quantity, req.ExpirationDate, req.ReorderLevel)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	// The ledger returns the merged total; the store gets the delta so both
	// sides stay additive under concurrent dispensing decrements.
	if err := h.repo.Restock(r.Context(), lot, req.Quantity); err != nil {
		h.logger.Error("restock persistence failed", zap.Error(err))
		http.Error(w, `{"error":"restock failed"}`, http.StatusInternalServerError)
		return
	}

	h.logger.Info("restocked",
		zap.String("pharmacy_id", req.PharmacyID),
		zap.String("medication_id", req.MedicationID),
		zap.String("lot_number", req.LotNumber),
		zap.Int("quantity", req.Quantity))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(lot)
}
