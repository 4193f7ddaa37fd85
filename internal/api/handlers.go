package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"mailcore/internal/config"
	"mailcore/internal/models"
	"mailcore/internal/provider"
	"mailcore/internal/ratelimit"
	"mailcore/internal/repository"
	"mailcore/internal/sync"
	"mailcore/internal/token"
	"mailcore/internal/utils"
)

// HealthCheck reports server liveness.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// APIHandler carries the wired services for all HTTP handlers.
type APIHandler struct {
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	syncMgr     *sync.Manager
	tokens      *token.Manager
	registry    *provider.Registry
	limiter     *ratelimit.Limiter
	logger      *utils.Logger
}

// NewAPIHandler creates the handler set.
func NewAPIHandler(
	cfg *config.Config,
	accountRepo *repository.AccountRepository,
	syncMgr *sync.Manager,
	tokens *token.Manager,
	registry *provider.Registry,
	limiter *ratelimit.Limiter,
) *APIHandler {
	return &APIHandler{
		cfg:         cfg,
		accountRepo: accountRepo,
		syncMgr:     syncMgr,
		tokens:      tokens,
		registry:    registry,
		limiter:     limiter,
		logger:      utils.NewLogger("APIHandler"),
	}
}

func (h *APIHandler) tuning() provider.Tuning {
	return provider.Tuning{
		PageCeiling:    h.cfg.Sync.PageCeiling,
		PageSize:       h.cfg.Sync.PageSize,
		DetailBatch:    h.cfg.Sync.DetailBatch,
		BatchDelay:     h.cfg.Sync.BatchDelay,
		NetworkTimeout: h.cfg.Sync.NetworkTimeout,
	}
}

// account resolves the {email} path variable to a configured account.
func (h *APIHandler) account(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	email := mux.Vars(r)["email"]
	account, err := h.accountRepo.GetByEmail(email)
	if err != nil {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return nil, false
	}
	return account, true
}

// CreateAccountHandler registers a new account and builds its provider
// client. IMAP accounts must include a password, verified before saving.
func (h *APIHandler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.EmailAddress == "" || req.Provider == "" {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "emailAddress and provider are required"})
		return
	}

	account := models.Account{
		EmailAddress: req.EmailAddress,
		Provider:     req.Provider,
		DisplayName:  req.DisplayName,
		IMAPServer:   req.IMAPServer,
		IMAPPort:     req.IMAPPort,
		SMTPServer:   req.SMTPServer,
		SMTPPort:     req.SMTPPort,
		Proxy:        req.Proxy,
		UseOAuth:     req.UseOAuth,
	}

	client, err := provider.NewClient(account, h.cfg.OAuth, h.limiter, h.tuning())
	if err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	// XOAUTH2 IMAP accounts receive their token later via the credential
	// store; password accounts are verified right here.
	if account.Provider == models.ProviderIMAP && !account.UseOAuth {
		if req.Password == "" {
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "IMAP accounts require a password"})
			return
		}
		imapClient := client.(*provider.IMAPClient)
		cred, err := imapClient.VerifyPassword(r.Context(), req.Password)
		if err != nil {
			respondError(w, err)
			return
		}
		if err := h.tokens.SaveCredential(account.Provider, account.EmailAddress, cred); err != nil {
			respondError(w, err)
			return
		}
	}

	if err := h.accountRepo.Create(&account); err != nil {
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	h.registry.Register(account.EmailAddress, client)

	h.logger.Info("Registered %s account %s", account.Provider, account.EmailAddress)
	respondJSON(w, http.StatusCreated, account)
}

// GetAccountsHandler lists configured accounts with their credential state.
func (h *APIHandler) GetAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accountRepo.List()
	if err != nil {
		respondError(w, err)
		return
	}

	type accountView struct {
		models.Account
		CredentialState token.AccountState `json:"credentialState"`
	}
	views := make([]accountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, accountView{
			Account:         account,
			CredentialState: h.tokens.State(account.EmailAddress),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

// DeleteAccountHandler removes an account, its cache and its credentials.
func (h *APIHandler) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	if err := h.syncMgr.ClearAccount(*account); err != nil {
		respondError(w, err)
		return
	}
	if err := h.tokens.ClearCredential(account.Provider, account.EmailAddress); err != nil {
		h.logger.Warn("Failed to clear credentials for %s: %v", account.EmailAddress, err)
	}
	h.registry.Remove(account.EmailAddress)
	if err := h.accountRepo.Delete(account.EmailAddress); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// AuthenticateHandler runs the provider's interactive flow and stores the
// resulting credential. Blocks until the browser flow completes.
func (h *APIHandler) AuthenticateHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	client, err := h.registry.Get(account.EmailAddress)
	if err != nil {
		respondError(w, err)
		return
	}

	cred, profile, err := client.Authenticate(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.tokens.SaveCredential(account.Provider, account.EmailAddress, cred); err != nil {
		respondError(w, err)
		return
	}

	if profile != nil && profile.DisplayName != "" && account.DisplayName == "" {
		account.DisplayName = profile.DisplayName
		if err := h.accountRepo.Update(account); err != nil {
			h.logger.Warn("Failed to store profile for %s: %v", account.EmailAddress, err)
		}
	}
	respondJSON(w, http.StatusOK, profile)
}

// GetInboxHandler serves the cache-first inbox read.
func (h *APIHandler) GetInboxHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	pages, err := h.syncMgr.FetchInbox(r.Context(), *account)
	if err != nil {
		if len(pages) > 0 {
			// Stale cache plus the sync failure, so the client can both
			// render and surface the problem.
			w.Header().Set("X-Sync-Error", err.Error())
			respondJSON(w, http.StatusOK, pages)
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pages)
}

// SyncHandler forces a sync pass for the account.
func (h *APIHandler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := h.syncMgr.Sync(r.Context(), *account); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// SendHandler submits an outgoing message.
func (h *APIHandler) SendHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if len(req.To) == 0 {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "at least one recipient is required"})
		return
	}

	draft := &models.Draft{
		To:        req.To,
		Cc:        req.Cc,
		Subject:   req.Subject,
		TextBody:  req.TextBody,
		HTMLBody:  req.HTMLBody,
		InReplyTo: req.InReplyTo,
	}
	if err := h.syncMgr.SendMessage(r.Context(), *account, draft); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// GetMessageHandler retrieves one message, cache first.
func (h *APIHandler) GetMessageHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	messageID := mux.Vars(r)["id"]

	msg, err := h.syncMgr.FetchMessage(r.Context(), *account, messageID)
	if err != nil {
		respondError(w, err)
		return
	}
	if msg == nil {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "message not found"})
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

// ArchiveMessageHandler archives a message, local state first.
func (h *APIHandler) ArchiveMessageHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	messageID := mux.Vars(r)["id"]

	if err := h.syncMgr.ArchiveMessage(r.Context(), *account, messageID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// MarkReadHandler flips the cached read state of a message.
func (h *APIHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	messageID := mux.Vars(r)["id"]

	var req struct {
		Unread bool `json:"unread"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := h.syncMgr.MarkRead(*account, messageID, req.Unread); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"unread": req.Unread})
}

// ClearCacheHandler drops the account's cached mailbox and cursor.
func (h *APIHandler) ClearCacheHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := h.syncMgr.ClearAccount(*account); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
