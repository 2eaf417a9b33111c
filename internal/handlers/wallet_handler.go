package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tokenbid/backend/internal/services"
)

type WalletHandler struct {
	wallet    *services.WalletService
	ledger    *services.BalanceLedgerService
	validator *services.ValidationHelper
}

func NewWalletHandler(wallet *services.WalletService, ledger *services.BalanceLedgerService) *WalletHandler {
	return &WalletHandler{
		wallet:    wallet,
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// GetBalance returns the caller's token balance
// @Summary Get Balance
// @Produce json
// @Security BearerAuth
// @Tags wallet
// @Success 200 {object} models.Balance
// @Router /wallet/balance [get]
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// CreateDepositIntent issues a QR-coded funding instruction
// @Summary Create Deposit Intent
// @Accept json
// @Produce json
// @Security BearerAuth
// @Tags wallet
// @Param request body object{amount=int64} true "Deposit amount"
// @Success 201 {object} services.DepositIntent
// @Failure 400 {object} services.ErrorResponse
// @Router /wallet/deposits [post]
func (h *WalletHandler) CreateDepositIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	intent, err := h.wallet.CreateDepositIntent(r.Context(), userID, req.Amount)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

// GetDepositIntent resolves a pending deposit intent
// @Summary Get Deposit Intent
// @Produce json
// @Security BearerAuth
// @Tags wallet
// @Param intent_id path string true "Intent ID"
// @Success 200 {object} services.DepositIntent
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/deposits/{intent_id} [get]
func (h *WalletHandler) GetDepositIntent(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	intent, err := h.wallet.GetDepositIntent(r.Context(), chi.URLParam(r, "intent_id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// RequestWithdrawal debits the balance and queues an on-chain payout
// @Summary Request Withdrawal
// @Accept json
// @Produce json
// @Security BearerAuth
// @Tags wallet
// @Param request body object{amount=int64,destination=string} true "Withdrawal parameters"
// @Success 202 {object} services.WithdrawalRequest
// @Failure 409 {object} services.ErrorResponse
// @Router /wallet/withdrawals [post]
func (h *WalletHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		Destination string `json:"destination" validate:"required,min=8"`
	}
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	request, err := h.wallet.RequestWithdrawal(r.Context(), userID, req.Amount, req.Destination)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, request)
}
