package http

import (
	"net/http"

	"github.com/shopspring/decimal"
)

type pinRequest struct {
	Pin string `json:"pin" validate:"required,len=4,numeric"`
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type verifyDepositRequest struct {
	Reference string `json:"reference" validate:"required"`
}

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !h.decode(w, r, &req) {
		return
	}
	wallet, err := h.WalletService.CreateWallet(r.Context(), userFrom(r.Context()), req.Pin)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, "wallet created", wallet)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.WalletService.GetWallet(r.Context(), userFrom(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "", wallet)
}

func (h *Handler) WalletHistory(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	history, err := h.WalletService.History(r.Context(), userFrom(r.Context()), page, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "", history)
}

func (h *Handler) ValidatePin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.WalletService.ValidatePin(r.Context(), userFrom(r.Context()), req.Pin)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "", map[string]bool{"valid": ok})
}

func (h *Handler) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.WalletService.InitiateDeposit(r.Context(), userFrom(r.Context()), req.Amount)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, "deposit initiated", intent)
}

func (h *Handler) VerifyDeposit(w http.ResponseWriter, r *http.Request) {
	var req verifyDepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.WalletService.CompleteDeposit(r.Context(), userFrom(r.Context()), req.Reference)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "deposit completed", tx)
}
