package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokenbid/backend/internal/middleware"
	"github.com/tokenbid/backend/internal/models"
	"github.com/tokenbid/backend/internal/services"
)

type AuctionHandler struct {
	service   *services.AuctionService
	validator *services.ValidationHelper
}

func NewAuctionHandler(service *services.AuctionService) *AuctionHandler {
	return &AuctionHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreateAuction creates a draft listing
// @Summary Create Auction
// @Description Create a new auction listing in draft status
// @Tags auctions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{title=string,auctionType=string,startingBid=int64} true "Auction parameters"
// @Success 201 {object} models.Auction
// @Failure 400 {object} services.ErrorResponse
// @Router /auctions [post]
func (h *AuctionHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Title        string    `json:"title" validate:"required,min=3,max=200"`
		AuctionType  string    `json:"auctionType" validate:"required,oneof=forward reverse"`
		StartingBid  int64     `json:"startingBid" validate:"required,gt=0"`
		ReservePrice int64     `json:"reservePrice" validate:"omitempty,gt=0"`
		BuyNowPrice  int64     `json:"buyNowPrice" validate:"omitempty,gt=0"`
		BidIncrement int64     `json:"bidIncrement" validate:"required,gt=0"`
		StartTime    time.Time `json:"startTime" validate:"required"`
		EndTime      time.Time `json:"endTime" validate:"required,gtfield=StartTime"`
	}

	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	auction := &models.Auction{
		SellerID:     userID,
		Title:        req.Title,
		AuctionType:  req.AuctionType,
		StartingBid:  req.StartingBid,
		ReservePrice: req.ReservePrice,
		BuyNowPrice:  req.BuyNowPrice,
		BidIncrement: req.BidIncrement,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
	}
	if err := h.service.CreateAuction(r.Context(), auction); err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, auction)
}

// GetAuction returns one auction
// @Summary Get Auction
// @Tags auctions
// @Produce json
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Failure 404 {object} services.ErrorResponse
// @Router /auctions/{auction_id} [get]
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := h.service.GetAuction(r.Context(), chi.URLParam(r, "auction_id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// PublishAuction moves a draft to pending
// @Summary Publish Auction
// @Tags auctions
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Router /auctions/{auction_id}/publish [post]
func (h *AuctionHandler) PublishAuction(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Publish)
}

// ActivateAuction opens a pending auction for bidding
// @Summary Activate Auction
// @Tags auctions
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Router /auctions/{auction_id}/activate [post]
func (h *AuctionHandler) ActivateAuction(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Activate)
}

// CancelAuction cancels a not-yet-settled auction and refunds held bids
// @Summary Cancel Auction
// @Tags auctions
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Router /auctions/{auction_id}/cancel [post]
func (h *AuctionHandler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *AuctionHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, auctionID, actorID string) (*models.Auction, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	auction, err := op(r.Context(), chi.URLParam(r, "auction_id"), userID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// RollbackAuction performs a privileged backward status transition
// @Summary Rollback Auction Status
// @Tags admin
// @Accept json
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Param request body object{reason=string} true "Rollback reason"
// @Success 200 {object} models.Auction
// @Router /admin/auctions/{auction_id}/rollback [post]
func (h *AuctionHandler) RollbackAuction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required,min=5"`
	}
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	auction, err := h.service.Rollback(r.Context(), chi.URLParam(r, "auction_id"), middleware.UserID(r.Context()), req.Reason)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// SuspendAuction freezes an active auction pending review
// @Summary Suspend Auction
// @Tags admin
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Router /admin/auctions/{auction_id}/suspend [post]
func (h *AuctionHandler) SuspendAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := h.service.Suspend(r.Context(), chi.URLParam(r, "auction_id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// ReinstateAuction returns a suspended auction to active
// @Summary Reinstate Auction
// @Tags admin
// @Security BearerAuth
// @Param auction_id path string true "Auction ID"
// @Success 200 {object} models.Auction
// @Router /admin/auctions/{auction_id}/reinstate [post]
func (h *AuctionHandler) ReinstateAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := h.service.Reinstate(r.Context(), chi.URLParam(r, "auction_id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}
