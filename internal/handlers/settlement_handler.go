package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tokenbid/backend/internal/middleware"
	"github.com/tokenbid/backend/internal/services"
)

type SettlementHandler struct {
	service *services.SettlementService
}

func NewSettlementHandler(service *services.SettlementService) *SettlementHandler {
	return &SettlementHandler{service: service}
}

// CloseAuction settles an expired auction
// @Summary Close Auction
// @Description Settle an active auction whose end time has passed
// @Tags settlement
// @Produce json
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Failure 409 {object} services.ErrorResponse
// @Router /auctions/{auction_id}/close [post]
func (h *SettlementHandler) CloseAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	auction, err := h.service.CloseAuction(r.Context(), chi.URLParam(r, "auction_id"), userID, false)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// ForceCloseAuction settles an auction before its end time
// @Summary Force Close Auction
// @Tags admin
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Router /admin/auctions/{auction_id}/close [post]
func (h *SettlementHandler) ForceCloseAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := h.service.CloseAuction(r.Context(), chi.URLParam(r, "auction_id"), middleware.UserID(r.Context()), true)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// ConfirmReceipt lets the winner confirm delivery and pay out the seller
// @Summary Confirm Receipt
// @Tags settlement
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Failure 403 {object} services.ErrorResponse
// @Router /auctions/{auction_id}/confirm [post]
func (h *SettlementHandler) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	auction, err := h.service.ConfirmReceipt(r.Context(), chi.URLParam(r, "auction_id"), userID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}
