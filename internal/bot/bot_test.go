package bot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/matrix-web/internal/matrix"
	"github.com/ashureev/matrix-web/internal/vault"
	"github.com/ashureev/matrix-web/internal/verify"
)

// fakeConn is a scriptable matrix.Conn.
type fakeConn struct {
	mu sync.Mutex

	loginCalls  int
	resumeCalls int
	loginErr    error
	resumeErr   error
	session     matrix.Session

	joinedRoom string
	sent       []string
	recent     []matrix.Message

	loggedOut bool
	closed    bool

	onMessage matrix.MessageHandler
	runStarted chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		session:    matrix.Session{UserID: "@bot:example.org", DeviceID: "BOTDEV", AccessToken: "tok_1"},
		runStarted: make(chan struct{}),
	}
}

func (c *fakeConn) Login(ctx context.Context, username, password string) (matrix.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginCalls++
	if c.loginErr != nil {
		return matrix.Session{}, c.loginErr
	}
	return c.session, nil
}

func (c *fakeConn) Resume(ctx context.Context, session matrix.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeCalls++
	return c.resumeErr
}

func (c *fakeConn) SetupEncryption(ctx context.Context, password string) error { return nil }

func (c *fakeConn) JoinRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinedRoom = roomID
	return nil
}

func (c *fakeConn) RecentMessages(ctx context.Context, roomID string, limit int) ([]matrix.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recent, nil
}

func (c *fakeConn) SendText(ctx context.Context, roomID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, body)
	return nil
}

func (c *fakeConn) Run(ctx context.Context, onMessage matrix.MessageHandler) error {
	c.mu.Lock()
	c.onMessage = onMessage
	c.mu.Unlock()
	close(c.runStarted)
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConn) OnVerificationRequest(handler matrix.VerificationRequestHandler) {}

func (c *fakeConn) Verifier() verify.Engine { return &nullEngine{} }

func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) deliver(msg matrix.Message) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

type nullEngine struct{}

func (e *nullEngine) Request(ctx context.Context, userID, requestID string) (verify.PendingRequest, error) {
	return nil, verify.ErrNotFound
}

func (e *nullEngine) Verification(ctx context.Context, userID, requestID string) (verify.Sas, error) {
	return nil, verify.ErrNotFound
}

type fakeOpener struct {
	conn *fakeConn
	err  error
}

func (o *fakeOpener) Open(ctx context.Context, storePath, storePassphrase string) (matrix.Conn, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.conn, nil
}

func newTestBot(t *testing.T, conn *fakeConn) (*Bot, *vault.Vault) {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("Failed to open vault: %v", err)
	}
	t.Cleanup(func() {
		if err := v.Close(); err != nil {
			t.Errorf("Failed to close vault: %v", err)
		}
	})

	b := New(Config{
		Vault:              v,
		Opener:             &fakeOpener{conn: conn},
		Username:           "bot",
		RoomID:             "!room:example.org",
		HistoryLimit:       5,
		StorePath:          filepath.Join(t.TempDir(), "store.db"),
		VerifyPollInterval: 10 * time.Millisecond,
	})
	return b, v
}

func TestBot_ConnectFreshLoginPersistsSession(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	b, v := newTestBot(t, conn)

	if err := b.Connect(ctx, "vaultpw", "matrixpw"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() {
		if err := b.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect failed: %v", err)
		}
	}()

	if !b.IsConnected() {
		t.Error("Expected IsConnected true after Connect")
	}
	if conn.loginCalls != 1 {
		t.Errorf("Expected 1 login, got %d", conn.loginCalls)
	}
	if conn.joinedRoom != "!room:example.org" {
		t.Errorf("Expected room join, got %q", conn.joinedRoom)
	}

	stored, err := v.GetSession(ctx, "vaultpw")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.AccessToken != "tok_1" || stored.DeviceID != "BOTDEV" {
		t.Errorf("Expected persisted session, got %+v", stored)
	}
}

func TestBot_ConnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	b, _ := newTestBot(t, conn)

	if err := b.Connect(ctx, "vaultpw", "matrixpw"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() {
		if err := b.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect failed: %v", err)
		}
	}()

	if err := b.Connect(ctx, "vaultpw", ""); err != nil {
		t.Fatalf("Second Connect failed: %v", err)
	}
	if conn.loginCalls != 1 {
		t.Errorf("Expected second Connect to be a no-op, got %d logins", conn.loginCalls)
	}
}

func TestBot_ConnectResumesStoredSession(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	b, v := newTestBot(t, conn)

	if err := v.Store(ctx, "bot", "matrixpw", "vaultpw"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	session := vault.Session{DeviceID: "BOTDEV", AccessToken: "tok_old", UserID: "@bot:example.org"}
	if err := v.StoreSession(ctx, session, "vaultpw"); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}

	if err := b.Connect(ctx, "vaultpw", ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() {
		if err := b.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect failed: %v", err)
		}
	}()

	if conn.resumeCalls != 1 {
		t.Errorf("Expected 1 resume, got %d", conn.resumeCalls)
	}
	if conn.loginCalls != 0 {
		t.Errorf("Expected no login when resume succeeds, got %d", conn.loginCalls)
	}
}

func TestBot_ResumeFailureFallsBackToLogin(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.resumeErr = errors.New("token expired")
	b, v := newTestBot(t, conn)

	if err := v.Store(ctx, "bot", "matrixpw", "vaultpw"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	session := vault.Session{DeviceID: "BOTDEV", AccessToken: "tok_old", UserID: "@bot:example.org"}
	if err := v.StoreSession(ctx, session, "vaultpw"); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}

	if err := b.Connect(ctx, "vaultpw", ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() {
		if err := b.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect failed: %v", err)
		}
	}()

	if conn.resumeCalls != 1 || conn.loginCalls != 1 {
		t.Errorf("Expected resume then login fallback, got resume=%d login=%d",
			conn.resumeCalls, conn.loginCalls)
	}

	// The fresh session replaces the stale one.
	stored, err := v.GetSession(ctx, "vaultpw")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.AccessToken != "tok_1" {
		t.Errorf("Expected refreshed session token, got %q", stored.AccessToken)
	}
}

func TestBot_ConnectLoginFailure(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.loginErr = errors.New("M_FORBIDDEN")
	b, _ := newTestBot(t, conn)

	err := b.Connect(ctx, "vaultpw", "wrongpw")
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("Expected ErrAuthFailure, got %v", err)
	}
	if b.IsConnected() {
		t.Error("Expected IsConnected false after failed Connect")
	}
	if !conn.closed {
		t.Error("Expected connection to be closed after auth failure")
	}
}

func TestBot_BackfillFiltersAndReorders(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	// Newest first, as the engine returns them.
	conn.recent = []matrix.Message{
		{RoomID: "!room:example.org", Sender: "@carol:example.org", Body: "third", Type: "m.text"},
		{RoomID: "!room:example.org", Sender: "@bob:example.org", Body: "cat.jpg", Type: "m.image"},
		{RoomID: "!room:example.org", Sender: "@bob:example.org", Body: "second", Type: "m.text"},
		{RoomID: "!room:example.org", Sender: "@alice:example.org", Body: "first", Type: "m.text"},
	}
	b, _ := newTestBot(t, conn)

	if err := b.Connect(ctx, "vaultpw", "matrixpw"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() {
		if err := b.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect failed: %v", err)
		}
	}()

	history := b.History()
	want := []string{
		"@alice:example.org: first",
		"@bob:example.org: second",
		"@carol:example.org: third",
	}
	if len(history) != len(want) {
		t.Fatalf("Expected %d entries, got %d: %v", len(want), len(history), history)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i], history[i])
		}
	}
}

func TestBot_LiveMessageReachesHistoryAndSubscribers(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	b, _ := newTestBot(t, conn)

	if err := b.Connect(ctx, "vaultpw", "matrixpw"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() {
		if err := b.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect failed: %v", err)
		}
	}()

	<-conn.runStarted
	sub := b.Subscribe()
	defer sub.Close()

	conn.deliver(matrix.Message{RoomID: "!room:example.org", Sender: "@alice:example.org", Body: "hello", Type: "m.text"})
	// Wrong room and non-text messages are dropped.
	conn.deliver(matrix.Message{RoomID: "!other:example.org", Sender: "@alice:example.org", Body: "elsewhere", Type: "m.text"})
	conn.deliver(matrix.Message{RoomID: "!room:example.org", Sender: "@alice:example.org", Body: "pic", Type: "m.image"})

	select {
	case msg := <-sub.C:
		if msg != "@alice:example.org: hello" {
			t.Errorf("Expected formatted message, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected broadcast message, got none")
	}

	history := b.History()
	if len(history) != 1 || history[0] != "@alice:example.org: hello" {
		t.Errorf("Expected 1 filtered history entry, got %v", history)
	}
}

func TestBot_DisconnectClearsState(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	b, v := newTestBot(t, conn)

	if err := b.Connect(ctx, "vaultpw", "matrixpw"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := b.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if b.IsConnected() {
		t.Error("Expected IsConnected false after Disconnect")
	}
	if !conn.loggedOut || !conn.closed {
		t.Errorf("Expected logout and close, got loggedOut=%v closed=%v", conn.loggedOut, conn.closed)
	}
	if len(b.History()) != 0 {
		t.Error("Expected history cleared on disconnect")
	}

	exists, err := v.SessionExists(ctx)
	if err != nil {
		t.Fatalf("SessionExists failed: %v", err)
	}
	if exists {
		t.Error("Expected stored session cleared on disconnect")
	}

	// Idempotent.
	if err := b.Disconnect(ctx); err != nil {
		t.Errorf("Second Disconnect failed: %v", err)
	}
}

func TestBot_SendRequiresConnection(t *testing.T) {
	b, _ := newTestBot(t, newFakeConn())

	if err := b.Send(context.Background(), "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestBot_SendRejectsEmptyMessage(t *testing.T) {
	b, _ := newTestBot(t, newFakeConn())

	if err := b.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}
}

func TestBot_DisconnectFailsInFlightVerification(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	b, _ := newTestBot(t, conn)

	if err := b.Connect(ctx, "vaultpw", "matrixpw"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The engine never indexes the request, so the accept sits in its
	// lookup retries when the connection goes away underneath it.
	result := make(chan error, 1)
	go func() {
		result <- b.AcceptVerification(ctx, "r1", "@other:example.org")
	}()

	time.Sleep(50 * time.Millisecond)
	if err := b.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected in-flight accept to fail after Disconnect")
	}
}

func TestBot_VerificationOpsRequireConnection(t *testing.T) {
	b, _ := newTestBot(t, newFakeConn())
	ctx := context.Background()

	if _, err := b.VerificationRequests(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from VerificationRequests, got %v", err)
	}
	if err := b.AcceptVerification(ctx, "r1", "@other:example.org"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from AcceptVerification, got %v", err)
	}
}
