package http

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	WalletService  *service.WalletService
	CallService    *service.CallService
	Hub            *ws.Hub
	Metrics        http.Handler
	AllowedOrigins []string
	validate       *validator.Validate
}

func NewHandler(walletService *service.WalletService, callService *service.CallService, hub *ws.Hub, metrics http.Handler, allowedOrigins []string) *Handler {
	return &Handler{
		WalletService:  walletService,
		CallService:    callService,
		Hub:            hub,
		Metrics:        metrics,
		AllowedOrigins: allowedOrigins,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", UserIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
	r.With(RequireUser(true)).Get("/ws", h.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireUser(false))

		r.Route("/wallet", func(r chi.Router) {
			r.Post("/", h.CreateWallet)
			r.Get("/", h.GetWallet)
			r.Get("/transactions", h.WalletHistory)
			r.Post("/pin/validate", h.ValidatePin)
			r.Post("/deposits", h.InitiateDeposit)
			r.Post("/deposits/verify", h.VerifyDeposit)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Post("/", h.InitiateCall)
			r.Get("/", h.CallHistory)
			r.Get("/{id}", h.GetCall)
			r.Post("/{id}/accept", h.AcceptCall)
			r.Post("/{id}/reject", h.RejectCall)
			r.Post("/{id}/end", h.EndCall)
			r.Post("/{id}/signal", h.Signal)
		})
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, "ok", nil)
}
