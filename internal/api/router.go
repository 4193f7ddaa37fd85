package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"mailcore/internal/utils"
)

// NewRouter creates a new router with all the necessary routes.
func NewRouter(handler *APIHandler) http.Handler {
	router := mux.NewRouter()

	// Create API subrouter with /api prefix
	apiRouter := router.PathPrefix("/api").Subrouter()

	// Health check
	apiRouter.HandleFunc("/health", HealthCheck).Methods("GET")

	// Account management
	apiRouter.HandleFunc("/accounts", handler.CreateAccountHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts", handler.GetAccountsHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{email}", handler.DeleteAccountHandler).Methods("DELETE")
	apiRouter.HandleFunc("/accounts/{email}/authenticate", handler.AuthenticateHandler).Methods("POST")

	// Mailbox operations
	apiRouter.HandleFunc("/accounts/{email}/inbox", handler.GetInboxHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{email}/inbox/ws", handler.InboxStreamHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{email}/sync", handler.SyncHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{email}/send", handler.SendHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{email}/cache", handler.ClearCacheHandler).Methods("DELETE")

	// Message operations
	apiRouter.HandleFunc("/accounts/{email}/messages/{id}", handler.GetMessageHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{email}/messages/{id}/archive", handler.ArchiveMessageHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{email}/messages/{id}/read", handler.MarkReadHandler).Methods("POST")

	// Apply middleware
	return utils.HTTPLoggingMiddleware(utils.NewLogger("HTTP"))(corsMiddleware(router))
}

// corsMiddleware adds the CORS headers for the local UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
