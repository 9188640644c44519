package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type initiateCallRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required"`
	Type       string `json:"type" validate:"omitempty,oneof=audio video"`
}

type signalRequest struct {
	Type    string          `json:"type" validate:"required,oneof=offer answer candidate"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

func sessionParam(r *http.Request) domain.SessionID {
	return domain.SessionID(chi.URLParam(r, "id"))
}

func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateCallRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.CallService.Initiate(r.Context(), userFrom(r.Context()), domain.UserID(req.ReceiverID), domain.CallType(req.Type))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, "call initiated", sess)
}

func (h *Handler) CallHistory(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	history, err := h.CallService.History(r.Context(), userFrom(r.Context()), page, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "", history)
}

func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	sess, err := h.CallService.Get(r.Context(), sessionParam(r), userFrom(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "", sess)
}

func (h *Handler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	res, err := h.CallService.Accept(r.Context(), sessionParam(r), userFrom(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if !res.Accepted {
		render.Status(r, http.StatusPaymentRequired)
		render.JSON(w, r, envelope{Success: false, Message: "caller has insufficient balance", Data: res})
		return
	}
	respond(w, r, http.StatusOK, "call accepted", res)
}

func (h *Handler) RejectCall(w http.ResponseWriter, r *http.Request) {
	sess, err := h.CallService.Reject(r.Context(), sessionParam(r), userFrom(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "call rejected", sess)
}

func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	sess, err := h.CallService.End(r.Context(), sessionParam(r), userFrom(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "call ended", sess)
}

func (h *Handler) Signal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !h.decode(w, r, &req) {
		return
	}
	sig := domain.NewSignal(domain.SignalType(req.Type), req.Payload)
	if err := h.CallService.HandleSignaling(r.Context(), sessionParam(r), userFrom(r.Context()), sig); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusAccepted, "signal forwarded", nil)
}
