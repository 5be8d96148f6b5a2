// Package api - Router setup
package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRouter creates and configures the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(NotFoundHandler)

	r.Use(h.RecoveryMiddleware)
	r.Use(CORSMiddleware)
	r.Use(h.LoggingMiddleware)

	// Public routes
	r.HandleFunc("/", h.ServerInfo).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/login", h.Login).Methods("POST")

	// Tegro calls this directly; it is authenticated by the form signature
	api.HandleFunc("/notifications/tegro", h.Notification).Methods("POST")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(h.AuthMiddleware)

	protected.HandleFunc("/auth/logout", h.Logout).Methods("POST")
	protected.HandleFunc("/auth/session", h.GetSession).Methods("GET")

	// Orders
	protected.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	protected.HandleFunc("/orders", h.ListOrders).Methods("GET")
	protected.HandleFunc("/orders/lookup", h.GetOrder).Methods("GET")

	// Withdrawals
	protected.HandleFunc("/withdrawals", h.CreateWithdrawal).Methods("POST")
	protected.HandleFunc("/withdrawals", h.ListWithdrawals).Methods("GET")
	protected.HandleFunc("/withdrawals/lookup", h.GetWithdrawal).Methods("GET")

	// Account
	protected.HandleFunc("/shops", h.GetShops).Methods("GET")
	protected.HandleFunc("/balance", h.GetBalance).Methods("GET")
	protected.HandleFunc("/payment-link", h.PaymentLink).Methods("POST")

	// Payout controls
	protected.HandleFunc("/control/payouts", h.GetPayoutStatus).Methods("GET")
	protected.HandleFunc("/control/payouts", h.DisablePayouts).Methods("DELETE")
	protected.HandleFunc("/control/payouts", h.EnablePayouts).Methods("POST")
	protected.HandleFunc("/control/payment-systems/{id:[0-9]+}", h.DisablePaymentSystem).Methods("DELETE")
	protected.HandleFunc("/control/payment-systems/{id:[0-9]+}", h.EnablePaymentSystem).Methods("POST")

	protected.HandleFunc("/limits/{currency:[A-Za-z]{3}}", h.GetLimit).Methods("GET")

	protected.HandleFunc("/audit", h.GetAuditEvents).Methods("GET")

	protected.HandleFunc("/ws/events", h.HandleEvents).Methods("GET")

	return r
}

// NotFoundHandler handles 404 errors
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}
