package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/matrix-web/internal/verify"
)

const (
	syncTimeout       = 30 * time.Second
	syncErrorBackoff  = 2 * time.Second
	deviceDisplayName = "Matrix Web Bot"
)

// Conn is an authenticated connection to the homeserver. The supervisor in
// internal/bot owns exactly one for the lifetime of a session.
type Conn interface {
	// Login authenticates with password credentials and returns the
	// resumable session.
	Login(ctx context.Context, username, password string) (Session, error)
	// Resume adopts a previously stored session and validates it against
	// the homeserver.
	Resume(ctx context.Context, session Session) error
	// SetupEncryption publishes the device keys and bootstraps
	// cross-signing. The password is needed for the user-interactive auth
	// stage of the cross-signing upload.
	SetupEncryption(ctx context.Context, password string) error
	// JoinRoom joins the configured room.
	JoinRoom(ctx context.Context, roomID string) error
	// RecentMessages fetches up to limit most-recent room messages,
	// newest first, reduced to sender/body/type.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
	// SendText sends a plain text message to the room.
	SendText(ctx context.Context, roomID, body string) error
	// Run drives the /sync long-poll loop until ctx is cancelled,
	// delivering room messages to onMessage and feeding to-device
	// verification events to the SAS tracker.
	Run(ctx context.Context, onMessage MessageHandler) error
	// OnVerificationRequest registers the handler for inbound
	// verification request events. Must be called before Run.
	OnVerificationRequest(handler VerificationRequestHandler)
	// Verifier exposes the SAS verification surface.
	Verifier() verify.Engine
	// Logout invalidates the access token on the homeserver.
	Logout(ctx context.Context) error
	// Close releases local resources.
	Close() error
}

// Opener builds connections bound to local persistent storage.
type Opener interface {
	Open(ctx context.Context, storePath, storePassphrase string) (Conn, error)
}

// Dialer is the production Opener.
type Dialer struct {
	// Homeserver is the base URL of the Matrix homeserver.
	Homeserver string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Open creates a connection with its device-key store at storePath.
func (d *Dialer) Open(ctx context.Context, storePath, storePassphrase string) (Conn, error) {
	client, err := NewClient(ClientConfig{
		HomeserverURL: d.Homeserver,
		HTTPClient:    d.HTTPClient,
		Logger:        d.Logger,
	})
	if err != nil {
		return nil, err
	}

	identity, err := openIdentityStore(storePath, storePassphrase)
	if err != nil {
		return nil, fmt.Errorf("matrix: open identity store: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn := &connection{
		client:   client,
		logger:   logger,
		identity: identity,
	}
	conn.sas = newSasTracker(conn, logger)
	return conn, nil
}

// connection implements Conn over the client-server HTTP API.
type connection struct {
	client   *Client
	logger   *slog.Logger
	identity *identityStore

	mu          sync.RWMutex
	accessToken string
	userID      string
	deviceID    string
	keys        *deviceKeys

	sas *sasTracker
}

func (c *connection) session() (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessToken == "" {
		return Session{}, ErrNotConnected
	}
	return Session{UserID: c.userID, DeviceID: c.deviceID, AccessToken: c.accessToken}, nil
}

func (c *connection) Login(ctx context.Context, username, password string) (Session, error) {
	request := loginRequest{
		Type:                     "m.login.password",
		Identifier:               loginIdentifier{Type: "m.id.user", User: username},
		Password:                 password,
		InitialDeviceDisplayName: deviceDisplayName,
	}

	body, err := c.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", "", request, nil)
	if err != nil {
		return Session{}, fmt.Errorf("matrix: login failed: %w", err)
	}

	var auth authResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return Session{}, fmt.Errorf("matrix: failed to parse login response: %w", err)
	}

	if err := c.adoptSession(Session{
		UserID:      auth.UserID,
		DeviceID:    auth.DeviceID,
		AccessToken: auth.AccessToken,
	}); err != nil {
		return Session{}, err
	}

	c.logger.Info("logged in to matrix", "user_id", auth.UserID, "device_id", auth.DeviceID)
	return Session{UserID: auth.UserID, DeviceID: auth.DeviceID, AccessToken: auth.AccessToken}, nil
}

func (c *connection) Resume(ctx context.Context, session Session) error {
	// Validate the stored token before adopting it; /account/whoami also
	// confirms the token still maps to the expected device.
	body, err := c.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", session.AccessToken, nil, nil)
	if err != nil {
		return fmt.Errorf("matrix: session resume rejected: %w", err)
	}

	var whoami whoamiResponse
	if err := json.Unmarshal(body, &whoami); err != nil {
		return fmt.Errorf("matrix: failed to parse whoami response: %w", err)
	}
	if whoami.UserID != session.UserID {
		return fmt.Errorf("matrix: stored session belongs to %s, expected %s", whoami.UserID, session.UserID)
	}
	if whoami.DeviceID != "" && whoami.DeviceID != session.DeviceID {
		return fmt.Errorf("matrix: stored session device %s no longer matches %s", session.DeviceID, whoami.DeviceID)
	}

	if err := c.adoptSession(session); err != nil {
		return err
	}
	c.logger.Info("resumed matrix session", "user_id", session.UserID, "device_id", session.DeviceID)
	return nil
}

func (c *connection) adoptSession(session Session) error {
	keys, err := c.identity.ensureKeys(session.DeviceID)
	if err != nil {
		return fmt.Errorf("matrix: ensure device keys: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = session.AccessToken
	c.userID = session.UserID
	c.deviceID = session.DeviceID
	c.keys = keys
	return nil
}

func (c *connection) SetupEncryption(ctx context.Context, password string) error {
	session, err := c.session()
	if err != nil {
		return err
	}

	if err := c.uploadDeviceKeys(ctx, session); err != nil {
		return fmt.Errorf("matrix: upload device keys: %w", err)
	}
	if err := c.bootstrapCrossSigning(ctx, session, password); err != nil {
		return fmt.Errorf("matrix: bootstrap cross-signing: %w", err)
	}
	return nil
}

func (c *connection) JoinRoom(ctx context.Context, roomID string) error {
	session, err := c.session()
	if err != nil {
		return err
	}

	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	if _, err := c.client.doRequest(ctx, http.MethodPost, path, session.AccessToken, struct{}{}, nil); err != nil {
		return fmt.Errorf("matrix: join room %s: %w", roomID, err)
	}
	c.logger.Info("joined room", "room_id", roomID)
	return nil
}

func (c *connection) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	session, err := c.session()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("dir", "b")
	query.Set("limit", strconv.Itoa(limit))

	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/messages"
	body, err := c.client.doRequest(ctx, http.MethodGet, path, session.AccessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: fetch messages for %s: %w", roomID, err)
	}

	var response messagesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse messages response: %w", err)
	}

	// The chunk is newest first; callers decide the final ordering.
	messages := make([]Message, 0, len(response.Chunk))
	for _, event := range response.Chunk {
		if event.Type != "m.room.message" {
			continue
		}
		var content messageContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			continue
		}
		messages = append(messages, Message{
			RoomID: roomID,
			Sender: event.Sender,
			Body:   content.Body,
			Type:   content.MsgType,
		})
	}
	return messages, nil
}

func (c *connection) SendText(ctx context.Context, roomID, body string) error {
	session, err := c.session()
	if err != nil {
		return err
	}

	content := map[string]string{
		"msgtype": "m.text",
		"body":    body,
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/m.room.message/" + uuid.NewString()
	if _, err := c.client.doRequest(ctx, http.MethodPut, path, session.AccessToken, content, nil); err != nil {
		return fmt.Errorf("matrix: send message to %s: %w", roomID, err)
	}
	return nil
}

func (c *connection) OnVerificationRequest(handler VerificationRequestHandler) {
	c.sas.onRequest(handler)
}

func (c *connection) Verifier() verify.Engine {
	return c.sas
}

// Run drives the /sync long-poll loop. The first sync establishes the
// position; subsequent calls long-poll with the server holding the
// connection until events arrive. Errors back off and retry; an invalid
// token ends the loop.
func (c *connection) Run(ctx context.Context, onMessage MessageHandler) error {
	session, err := c.session()
	if err != nil {
		return err
	}

	since := ""
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		response, err := c.sync(ctx, session.AccessToken, since)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if IsMatrixError(err, ErrCodeUnknownToken) {
				return fmt.Errorf("matrix: sync token invalidated: %w", err)
			}
			c.logger.Warn("sync failed, backing off", "error", err)
			select {
			case <-time.After(syncErrorBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		initial := since == ""
		since = response.NextBatch
		c.dispatch(ctx, response, onMessage, initial)
	}
}

func (c *connection) sync(ctx context.Context, accessToken, since string) (*syncResponse, error) {
	query := url.Values{}
	if since == "" {
		// Initial sync: don't replay the whole timeline, just take a position.
		query.Set("timeout", "0")
		query.Set("filter", `{"room":{"timeline":{"limit":1}}}`)
	} else {
		query.Set("since", since)
		query.Set("timeout", strconv.Itoa(int(syncTimeout.Milliseconds())))
	}

	body, err := c.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", accessToken, nil, query)
	if err != nil {
		return nil, err
	}

	var response syncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// dispatch routes sync events. The initial sync's timeline overlaps the
// history backfill, so only to-device events are taken from it.
func (c *connection) dispatch(ctx context.Context, response *syncResponse, onMessage MessageHandler, skipTimeline bool) {
	if !skipTimeline {
		for roomID, room := range response.Rooms.Join {
			for _, event := range room.Timeline.Events {
				if event.Type != "m.room.message" {
					continue
				}
				var content messageContent
				if err := json.Unmarshal(event.Content, &content); err != nil {
					continue
				}
				if onMessage != nil {
					onMessage(Message{
						RoomID: roomID,
						Sender: event.Sender,
						Body:   content.Body,
						Type:   content.MsgType,
					})
				}
			}
		}
	}

	for _, event := range response.ToDevice.Events {
		if err := c.sas.handleToDevice(ctx, event); err != nil {
			c.logger.Warn("to-device event handling failed",
				"type", event.Type, "sender", event.Sender, "error", err)
		}
	}
}

// sendToDevice delivers an event to a single device of a single user.
func (c *connection) sendToDevice(ctx context.Context, eventType, userID, deviceID string, content any) error {
	session, err := c.session()
	if err != nil {
		return err
	}

	request := map[string]any{
		"messages": map[string]any{
			userID: map[string]any{
				deviceID: content,
			},
		},
	}
	path := "/_matrix/client/v3/sendToDevice/" + url.PathEscape(eventType) + "/" + uuid.NewString()
	if _, err := c.client.doRequest(ctx, http.MethodPut, path, session.AccessToken, request, nil); err != nil {
		return fmt.Errorf("matrix: send %s to %s/%s: %w", eventType, userID, deviceID, err)
	}
	return nil
}

func (c *connection) Logout(ctx context.Context) error {
	session, err := c.session()
	if err != nil {
		return err
	}

	if _, err := c.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", session.AccessToken, struct{}{}, nil); err != nil {
		return fmt.Errorf("matrix: logout failed: %w", err)
	}

	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
	return nil
}

func (c *connection) Close() error {
	c.client.httpClient.CloseIdleConnections()
	if err := c.identity.Close(); err != nil {
		return err
	}
	return nil
}
