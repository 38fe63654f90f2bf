package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/labstack/echo/v4"
)

// OfflineQueue is the queue surface exposed over HTTP
type OfflineQueue interface {
	Enqueue(ctx context.Context, tx models.NewTransaction) models.QueuedTransaction
	Pending() []models.QueuedTransaction
	Flush(ctx context.Context) models.FlushReport
	Clear(ctx context.Context) int
	OfflineMode() bool
	SetOfflineMode(ctx context.Context, enabled bool) error
}

// ConnectivitySignal receives the platform online/offline signal
type ConnectivitySignal interface {
	Online() bool
	SetOnline(online bool)
}

type QueueHandler struct {
	queue OfflineQueue
	conn  ConnectivitySignal
}

type queueView struct {
	Items       []models.QueuedTransaction `json:"items"`
	Count       int                        `json:"count"`
	Online      bool                       `json:"online"`
	OfflineMode bool                       `json:"offline_mode"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type offlineModeRequest struct {
	Enabled *bool `json:"enabled"`
}

func NewQueueHandler(q OfflineQueue, c ConnectivitySignal) *QueueHandler {
	return &QueueHandler{queue: q, conn: c}
}

func (h *QueueHandler) Enqueue(c echo.Context) error {
	var req models.NewTransaction
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "invalid request body")
	}

	req.UserID = strings.TrimSpace(req.UserID)
	switch {
	case req.UserID == "":
		return fail(c, http.StatusBadRequest, "invalid_transaction", "user_id is required")
	case !req.Type.Valid():
		return fail(c, http.StatusBadRequest, "invalid_transaction", "type must be deposit, withdrawal or loan_payment")
	case !req.Amount.IsPositive():
		return fail(c, http.StatusBadRequest, "invalid_transaction", "amount must be greater than zero")
	case req.Type == models.TypeLoanPayment && strings.TrimSpace(req.LoanID) == "":
		return fail(c, http.StatusBadRequest, "invalid_transaction", "loan_id is required for loan payments")
	}

	item := h.queue.Enqueue(c.Request().Context(), req)
	return ok(c, http.StatusCreated, item)
}

func (h *QueueHandler) List(c echo.Context) error {
	items := h.queue.Pending()
	if items == nil {
		items = []models.QueuedTransaction{}
	}
	return ok(c, http.StatusOK, queueView{
		Items:       items,
		Count:       len(items),
		Online:      h.conn.Online(),
		OfflineMode: h.queue.OfflineMode(),
	})
}

func (h *QueueHandler) Flush(c echo.Context) error {
	return ok(c, http.StatusOK, h.queue.Flush(c.Request().Context()))
}

func (h *QueueHandler) Clear(c echo.Context) error {
	dropped := h.queue.Clear(c.Request().Context())
	return ok(c, http.StatusOK, map[string]int{"dropped": dropped})
}

func (h *QueueHandler) SetConnectivity(c echo.Context) error {
	var req connectivityRequest
	if err := c.Bind(&req); err != nil || req.Online == nil {
		return fail(c, http.StatusBadRequest, "bad_request", "online must be a boolean")
	}

	h.conn.SetOnline(*req.Online)
	return ok(c, http.StatusOK, map[string]bool{"online": h.conn.Online()})
}

func (h *QueueHandler) SetOfflineMode(c echo.Context) error {
	var req offlineModeRequest
	if err := c.Bind(&req); err != nil || req.Enabled == nil {
		return fail(c, http.StatusBadRequest, "bad_request", "enabled must be a boolean")
	}

	if err := h.queue.SetOfflineMode(c.Request().Context(), *req.Enabled); err != nil {
		return fail(c, http.StatusInternalServerError, "internal_error", "failed to persist offline mode")
	}
	return ok(c, http.StatusOK, map[string]bool{"offline_mode": h.queue.OfflineMode()})
}
