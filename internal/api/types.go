package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"mailcore/internal/mailerr"
	"mailcore/internal/models"
)

// CreateAccountRequest is the payload for registering an account.
type CreateAccountRequest struct {
	EmailAddress string              `json:"emailAddress"`
	Provider     models.ProviderKind `json:"provider"`
	DisplayName  string              `json:"displayName,omitempty"`

	// IMAP-only settings
	IMAPServer string `json:"imapServer,omitempty"`
	IMAPPort   int    `json:"imapPort,omitempty"`
	SMTPServer string `json:"smtpServer,omitempty"`
	SMTPPort   int    `json:"smtpPort,omitempty"`
	Proxy      string `json:"proxy,omitempty"`
	Password   string `json:"password,omitempty"`
	UseOAuth   bool   `json:"useOAuth,omitempty"`
}

// SendRequest is the payload for submitting an outgoing message.
type SendRequest struct {
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Subject   string   `json:"subject"`
	TextBody  string   `json:"textBody"`
	HTMLBody  string   `json:"htmlBody,omitempty"`
	InReplyTo string   `json:"inReplyTo,omitempty"`
}

// ErrorResponse 统一错误响应
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// respondError maps the error taxonomy onto HTTP statuses. Rate limits
// carry the delay hint back out as a Retry-After header.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ""

	switch {
	case mailerr.NeedsReauth(err):
		status = http.StatusUnauthorized
		code = "needs_reauth"
	case errors.Is(err, mailerr.ErrTokenExpired):
		status = http.StatusUnauthorized
		code = "token_expired"
	case errors.Is(err, mailerr.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "rate_limited"
		if hint, ok := mailerr.RetryAfterHint(err); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(hint.Seconds())))
		}
	case errors.Is(err, mailerr.ErrUnsupported):
		status = http.StatusNotImplemented
		code = "unsupported"
	case errors.Is(err, mailerr.ErrNetworkFailure):
		status = http.StatusBadGateway
		code = "network_failure"
	}

	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
