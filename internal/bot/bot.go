// Package bot is the connection supervisor: it owns the optional live
// Matrix connection, drives the resume-or-login lifecycle against the
// credential vault, and fans incoming room messages out to the history
// buffer and the message bus. All state transitions are serialized behind
// one exclusive lock; read-only queries take the shared side.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/matrix-web/internal/feed"
	"github.com/ashureev/matrix-web/internal/matrix"
	"github.com/ashureev/matrix-web/internal/vault"
	"github.com/ashureev/matrix-web/internal/verify"
)

var (
	// ErrNotConnected means the operation requires a live session.
	ErrNotConnected = errors.New("bot: not connected")
	// ErrAuthFailure means the homeserver rejected the login.
	ErrAuthFailure = errors.New("bot: authentication failed")
	// ErrEmptyMessage means a send was attempted with no content.
	ErrEmptyMessage = errors.New("bot: message cannot be empty")
)

// Config holds the supervisor's dependencies and room binding.
type Config struct {
	// Vault stores credentials and the resumable session.
	Vault *vault.Vault
	// Opener builds Matrix connections.
	Opener matrix.Opener
	// Username is the account localpart used for fresh logins.
	Username string
	// RoomID is the single room the bridge operates on.
	RoomID string
	// HistoryLimit bounds the in-memory message history.
	HistoryLimit int
	// StorePath locates the Matrix engine's local state database.
	StorePath string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// VerifyPollInterval overrides the verification reconciliation
	// interval. Zero means the coordinator default.
	VerifyPollInterval time.Duration
}

// Bot bridges one Matrix room to the web layer.
type Bot struct {
	cfg    Config
	logger *slog.Logger

	history *feed.Buffer
	bus     *feed.Bus

	mu          sync.RWMutex
	conn        matrix.Conn
	coordinator *verify.Coordinator
	cancelTasks context.CancelFunc
}

// New creates a disconnected Bot.
func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		cfg:     cfg,
		logger:  logger,
		history: feed.NewBuffer(cfg.HistoryLimit),
		bus:     feed.NewBus(),
	}
}

// IsConnected reports whether a live connection is published.
func (b *Bot) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

// Connect establishes the Matrix connection. A stored session is resumed
// when possible; any resume failure falls back to a fresh password login
// whose session is persisted for next time. If matrixPassword is non-empty
// it replaces the vaulted credentials before authenticating.
//
// Connect is idempotent: calling it while connected returns nil.
func (b *Bot) Connect(ctx context.Context, vaultPassphrase, matrixPassword string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	username, password, err := b.resolveCredentials(ctx, vaultPassphrase, matrixPassword)
	if err != nil {
		return err
	}

	conn, err := b.cfg.Opener.Open(ctx, b.cfg.StorePath, vaultPassphrase)
	if err != nil {
		return fmt.Errorf("open matrix connection: %w", err)
	}

	if err := b.authenticate(ctx, conn, username, password, vaultPassphrase); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			b.logger.Warn("failed to close connection after auth failure", "error", closeErr)
		}
		return err
	}

	// Device verification and cross-signing are best effort: the bot stays
	// usable unverified, it just shows as an untrusted device until a SAS
	// verification completes.
	if err := conn.SetupEncryption(ctx, password); err != nil {
		b.logger.Warn("encryption setup failed, continuing unverified", "error", err)
	}

	if err := conn.JoinRoom(ctx, b.cfg.RoomID); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			b.logger.Warn("failed to close connection after join failure", "error", closeErr)
		}
		return fmt.Errorf("join room: %w", err)
	}

	if err := b.backfillHistory(ctx, conn); err != nil {
		b.logger.Warn("history backfill failed", "error", err)
	}

	coordinator := verify.NewCoordinator(verify.Config{
		Engine:       conn.Verifier(),
		Logger:       b.logger,
		PollInterval: b.cfg.VerifyPollInterval,
	})
	conn.OnVerificationRequest(coordinator.HandleRequest)

	// Background tasks get their own lifetime, detached from the HTTP
	// request context that triggered the connect.
	taskCtx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := conn.Run(taskCtx, b.onMessage); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("sync loop ended", "error", err)
		}
	}()
	go coordinator.Run(taskCtx)

	b.conn = conn
	b.coordinator = coordinator
	b.cancelTasks = cancel

	b.logger.Info("bot connected", "room_id", b.cfg.RoomID)
	return nil
}

// resolveCredentials decides which account password to use. A caller-supplied
// password overwrites the vault; otherwise the vaulted credentials are used.
func (b *Bot) resolveCredentials(ctx context.Context, vaultPassphrase, matrixPassword string) (string, string, error) {
	if matrixPassword != "" {
		if err := b.cfg.Vault.Store(ctx, b.cfg.Username, matrixPassword, vaultPassphrase); err != nil {
			return "", "", fmt.Errorf("store credentials: %w", err)
		}
		return b.cfg.Username, matrixPassword, nil
	}

	username, password, err := b.cfg.Vault.Retrieve(ctx, vaultPassphrase)
	if err != nil {
		return "", "", fmt.Errorf("retrieve credentials: %w", err)
	}
	return username, password, nil
}

// authenticate resumes the stored session when one exists, falling back to
// a fresh login on any resume failure. A fresh login persists its session.
func (b *Bot) authenticate(ctx context.Context, conn matrix.Conn, username, password, vaultPassphrase string) error {
	hasSession, err := b.cfg.Vault.SessionExists(ctx)
	if err != nil {
		return fmt.Errorf("query stored session: %w", err)
	}

	if hasSession {
		stored, err := b.cfg.Vault.GetSession(ctx, vaultPassphrase)
		if err != nil {
			b.logger.Warn("stored session unreadable, falling back to login", "error", err)
		} else {
			resumeErr := conn.Resume(ctx, matrix.Session{
				UserID:      stored.UserID,
				DeviceID:    stored.DeviceID,
				AccessToken: stored.AccessToken,
			})
			if resumeErr == nil {
				return nil
			}
			b.logger.Warn("session resume failed, falling back to login", "error", resumeErr)
		}
	}

	session, err := conn.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	if err := b.cfg.Vault.StoreSession(ctx, vault.Session{
		DeviceID:    session.DeviceID,
		AccessToken: session.AccessToken,
		UserID:      session.UserID,
	}, vaultPassphrase); err != nil {
		b.logger.Warn("failed to persist session, resume unavailable next start", "error", err)
	}
	return nil
}

// backfillHistory loads the newest HistoryLimit text messages and stores
// them oldest first, replacing any prior buffer contents.
func (b *Bot) backfillHistory(ctx context.Context, conn matrix.Conn) error {
	messages, err := conn.RecentMessages(ctx, b.cfg.RoomID, b.cfg.HistoryLimit)
	if err != nil {
		return err
	}

	// The engine returns newest first; reverse while filtering to text.
	entries := make([]string, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		if !messages[i].IsText() {
			continue
		}
		entries = append(entries, formatMessage(messages[i]))
	}
	b.history.Replace(entries)

	b.logger.Info("history loaded", "count", len(entries))
	return nil
}

// onMessage is the live inbound callback: filter to the configured room and
// to text messages, then append to history and publish on the bus.
func (b *Bot) onMessage(msg matrix.Message) {
	if msg.RoomID != b.cfg.RoomID || !msg.IsText() {
		return
	}
	formatted := formatMessage(msg)
	b.history.Append(formatted)
	b.bus.Publish(formatted)
}

func formatMessage(msg matrix.Message) string {
	return msg.Sender + ": " + msg.Body
}

// Disconnect cancels the background tasks, logs out best-effort, and clears
// the in-memory history. Idempotent.
func (b *Bot) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}

	// Close the coordinator first: verification calls that captured it
	// before this lock was taken stop retrying against the dead connection.
	b.coordinator.Close()
	b.cancelTasks()

	if err := b.conn.Logout(ctx); err != nil {
		b.logger.Warn("logout failed", "error", err)
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Warn("connection close failed", "error", err)
	}

	// The remote session is gone; a stale stored session must not be
	// resumed on the next connect.
	if err := b.cfg.Vault.ClearSession(ctx); err != nil {
		b.logger.Warn("failed to clear stored session", "error", err)
	}

	b.history.Clear()
	b.conn = nil
	b.coordinator = nil
	b.cancelTasks = nil

	b.logger.Info("bot disconnected")
	return nil
}

// Send sends a text message to the configured room.
func (b *Bot) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SendText(ctx, b.cfg.RoomID, text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// History returns a snapshot of the message history, oldest first.
func (b *Bot) History() []string {
	return b.history.Snapshot()
}

// Subscribe returns a receive handle for live messages.
func (b *Bot) Subscribe() *feed.Subscription {
	return b.bus.Subscribe()
}

// VerificationRequests lists the tracked verification requests.
func (b *Bot) VerificationRequests() ([]verify.Request, error) {
	coordinator, err := b.verifier()
	if err != nil {
		return nil, err
	}
	return coordinator.Requests(), nil
}

// ActiveSasChallenge returns the presentable SAS challenge, or nil.
func (b *Bot) ActiveSasChallenge() (*verify.Challenge, error) {
	coordinator, err := b.verifier()
	if err != nil {
		return nil, err
	}
	return coordinator.ActiveChallenge(), nil
}

// AcceptVerification accepts an inbound verification request.
func (b *Bot) AcceptVerification(ctx context.Context, requestID, userID string) error {
	coordinator, err := b.verifier()
	if err != nil {
		return err
	}
	return connectionError(coordinator.Accept(ctx, requestID, userID))
}

// ConfirmVerification confirms the SAS challenge matched.
func (b *Bot) ConfirmVerification(ctx context.Context, requestID, userID string) error {
	coordinator, err := b.verifier()
	if err != nil {
		return err
	}
	return connectionError(coordinator.Confirm(ctx, requestID, userID))
}

// CancelVerification cancels a verification in whatever state it is in.
func (b *Bot) CancelVerification(ctx context.Context, requestID, userID string) error {
	coordinator, err := b.verifier()
	if err != nil {
		return err
	}
	return connectionError(coordinator.Cancel(ctx, requestID, userID))
}

// connectionError maps a coordinator that lost its connection mid-call onto
// the supervisor's not-connected condition.
func connectionError(err error) error {
	if errors.Is(err, verify.ErrClosed) {
		return ErrNotConnected
	}
	return err
}

func (b *Bot) verifier() (*verify.Coordinator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.coordinator == nil {
		return nil, ErrNotConnected
	}
	return b.coordinator, nil
}
