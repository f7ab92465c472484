// Package web provides the HTTP layer for the bridge API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/matrix-web/internal/bot"
	"github.com/ashureev/matrix-web/internal/matrix"
	"github.com/ashureev/matrix-web/internal/vault"
	"github.com/ashureev/matrix-web/internal/verify"
)

// maxBodyBytes bounds request bodies. The API only accepts tiny JSON payloads.
const maxBodyBytes = 64 * 1024

// Handler provides the API endpoints backed by the bot.
type Handler struct {
	bot    *bot.Bot
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(b *bot.Bot, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bot: b, logger: logger}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/connect", h.Connect)
		r.Post("/disconnect", h.Disconnect)
		r.Post("/messages", h.SendMessage)
		r.Get("/history", h.History)
		r.Route("/verifications", func(r chi.Router) {
			r.Get("/", h.Verifications)
			r.Get("/challenge", h.Challenge)
			r.Post("/{id}/accept", h.AcceptVerification)
			r.Post("/{id}/confirm", h.ConfirmVerification)
			r.Post("/{id}/cancel", h.CancelVerification)
		})
	})
	r.Get("/ws/messages", h.StreamMessages)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false,"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]any{"success": false, "error": message})
}

// Status reports whether the bot currently holds a live connection.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"connected": h.bot.IsConnected(),
	})
}

type connectRequest struct {
	VaultPassphrase string `json:"vault_passphrase"`
	MatrixPassword  string `json:"matrix_password"`
}

// Connect brings the Matrix connection up. The vault passphrase is required;
// the account password only on first use (or to rotate stored credentials).
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.VaultPassphrase == "" {
		Error(w, http.StatusBadRequest, "vault_passphrase is required")
		return
	}

	if err := h.bot.Connect(r.Context(), req.VaultPassphrase, req.MatrixPassword); err != nil {
		h.logger.Error("connect failed", "error", err)
		h.writeBotError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true})
}

// Disconnect tears the Matrix connection down. No-op when disconnected.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.bot.Disconnect(r.Context()); err != nil {
		h.logger.Error("disconnect failed", "error", err)
		Error(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true})
}

type sendRequest struct {
	Message string `json:"message"`
}

// SendMessage sends a text message to the bridged room.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.bot.Send(r.Context(), req.Message); err != nil {
		h.writeBotError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true})
}

// History returns the buffered message history, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	messages := h.bot.History()
	if messages == nil {
		messages = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": messages,
	})
}

// Verifications lists the pending and in-flight verification requests.
func (h *Handler) Verifications(w http.ResponseWriter, r *http.Request) {
	requests, err := h.bot.VerificationRequests()
	if err != nil {
		h.writeBotError(w, err)
		return
	}
	if requests == nil {
		requests = []verify.Request{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"requests": requests,
	})
}

// Challenge returns the active SAS challenge, or null when none is
// presentable yet.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.bot.ActiveSasChallenge()
	if err != nil {
		h.writeBotError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"challenge": challenge,
	})
}

type verificationRequest struct {
	UserID string `json:"user_id"`
}

// AcceptVerification accepts an inbound verification request and starts the
// SAS exchange.
func (h *Handler) AcceptVerification(w http.ResponseWriter, r *http.Request) {
	h.verificationAction(w, r, h.bot.AcceptVerification)
}

// ConfirmVerification confirms that the displayed SAS matched on both sides.
func (h *Handler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	h.verificationAction(w, r, h.bot.ConfirmVerification)
}

// CancelVerification cancels a verification in whatever state it is in.
func (h *Handler) CancelVerification(w http.ResponseWriter, r *http.Request) {
	h.verificationAction(w, r, h.bot.CancelVerification)
}

func (h *Handler) verificationAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, requestID, userID string) error) {
	requestID := chi.URLParam(r, "id")
	if requestID == "" {
		Error(w, http.StatusBadRequest, "verification id is required")
		return
	}

	var req verificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := action(r.Context(), requestID, req.UserID); err != nil {
		h.writeBotError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true})
}

// decode reads a JSON body into v, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeBotError maps domain errors onto HTTP statuses.
func (h *Handler) writeBotError(w http.ResponseWriter, err error) {
	var matrixErr *matrix.MatrixError

	switch {
	case errors.Is(err, bot.ErrNotConnected):
		Error(w, http.StatusConflict, "not connected")
	case errors.Is(err, bot.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "message cannot be empty")
	case errors.Is(err, bot.ErrAuthFailure):
		Error(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, vault.ErrDecrypt):
		Error(w, http.StatusUnauthorized, "invalid vault passphrase")
	case errors.Is(err, vault.ErrNoCredentials):
		Error(w, http.StatusBadRequest, "no stored credentials; supply matrix_password")
	case errors.Is(err, verify.ErrNotFound):
		Error(w, http.StatusNotFound, "verification not found")
	case errors.As(err, &matrixErr):
		Error(w, http.StatusBadGateway, "homeserver request failed")
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
