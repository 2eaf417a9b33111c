package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tokenbid/backend/internal/models"
	"github.com/tokenbid/backend/internal/services"
)

type BidHandler struct {
	service   *services.BidService
	validator *services.ValidationHelper
}

func NewBidHandler(service *services.BidService) *BidHandler {
	return &BidHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// PlaceBid places a bid on an active auction
// @Summary Place Bid
// @Description Place a bid, optionally registering an auto-bid ceiling
// @Tags bids
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Param request body object{amount=int64} true "Bid parameters"
// @Success 201 {object} models.Bid
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /auctions/{auction_id}/bids [post]
func (h *BidHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount  int64                 `json:"amount" validate:"required,gt=0"`
		AutoBid *models.AutoBidParams `json:"autoBid" validate:"omitempty"`
	}
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	bid, auction, err := h.service.PlaceBid(r.Context(), chi.URLParam(r, "auction_id"), userID, req.Amount, req.AutoBid)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"bid":     bid,
		"auction": auction,
	})
}

// RetractBid retracts the caller's bid inside the retraction window
// @Summary Retract Bid
// @Tags bids
// @Security BearerAuth
// @Param bid_id path string true "Bid ID"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /bids/{bid_id} [delete]
func (h *BidHandler) RetractBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.RetractBid(r.Context(), chi.URLParam(r, "bid_id"), userID); err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
