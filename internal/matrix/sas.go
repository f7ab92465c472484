package matrix

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ashureev/matrix-web/internal/verify"
)

const (
	sasMethod       = "m.sas.v1"
	sasKeyAgreement = "curve25519-hkdf-sha256"
	sasHash         = "sha256"
	sasMacVersion   = "hkdf-hmac-sha256.v2"
)

// sasPhase orders the acceptor-side verification lifecycle.
type sasPhase int

const (
	phaseRequested sasPhase = iota
	phaseReady
	phaseStarted
	phaseAccepted
	phaseKeysExchanged
	phaseDone
)

type verificationRequestContent struct {
	FromDevice    string   `json:"from_device"`
	TransactionID string   `json:"transaction_id"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp,omitempty"`
}

type verificationReadyContent struct {
	FromDevice    string   `json:"from_device"`
	TransactionID string   `json:"transaction_id"`
	Methods       []string `json:"methods"`
}

type verificationStartContent struct {
	FromDevice                 string   `json:"from_device"`
	TransactionID              string   `json:"transaction_id"`
	Method                     string   `json:"method"`
	KeyAgreementProtocols      []string `json:"key_agreement_protocols"`
	Hashes                     []string `json:"hashes"`
	MessageAuthenticationCodes []string `json:"message_authentication_codes"`
	ShortAuthenticationString  []string `json:"short_authentication_string"`
}

type verificationAcceptContent struct {
	TransactionID             string   `json:"transaction_id"`
	Method                    string   `json:"method"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
}

type verificationKeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

type verificationMacContent struct {
	TransactionID string            `json:"transaction_id"`
	Mac           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

type verificationCancelContent struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

type verificationDoneContent struct {
	TransactionID string `json:"transaction_id"`
}

// sasTransaction is one verification exchange with a remote device. The
// bridge always plays the acceptor role: the remote device requests and
// starts, the bridge readies, accepts, and echoes keys.
type sasTransaction struct {
	mu sync.Mutex

	id          string
	otherUser   string
	otherDevice string
	phase       sasPhase
	cancelled   bool

	startContent     json.RawMessage
	sasMethods       []string
	ourPrivate       []byte
	ourPublicBase64  string
	theirPublic      []byte
	theirPublicB64   string
	sharedSecret     []byte
	sasBytes         []byte
	ourMacSent       bool
	theirMacVerified bool
}

// sasTracker dispatches to-device verification events and exposes the
// transactions through the verify.Engine surface.
type sasTracker struct {
	conn   *connection
	logger *slog.Logger

	mu             sync.Mutex
	txns           map[string]*sasTransaction
	requestHandler VerificationRequestHandler
}

func newSasTracker(conn *connection, logger *slog.Logger) *sasTracker {
	return &sasTracker{
		conn:   conn,
		logger: logger,
		txns:   make(map[string]*sasTransaction),
	}
}

func (t *sasTracker) onRequest(handler VerificationRequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestHandler = handler
}

func (t *sasTracker) lookup(transactionID string) *sasTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txns[transactionID]
}

func (t *sasTracker) remove(transactionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.txns, transactionID)
}

// handleToDevice routes a single to-device event to its transaction.
func (t *sasTracker) handleToDevice(ctx context.Context, event Event) error {
	switch event.Type {
	case "m.key.verification.request":
		return t.handleRequest(ctx, event)
	case "m.key.verification.start":
		return t.handleStart(ctx, event)
	case "m.key.verification.key":
		return t.handleKey(ctx, event)
	case "m.key.verification.mac":
		return t.handleMac(ctx, event)
	case "m.key.verification.done":
		return t.handleDone(event)
	case "m.key.verification.cancel":
		return t.handleCancel(event)
	default:
		return nil
	}
}

func (t *sasTracker) handleRequest(ctx context.Context, event Event) error {
	var content verificationRequestContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("parse verification request: %w", err)
	}

	supportsSas := false
	for _, method := range content.Methods {
		if method == sasMethod {
			supportsSas = true
			break
		}
	}
	if !supportsSas {
		t.sendCancel(ctx, event.Sender, content.FromDevice, content.TransactionID,
			"m.unknown_method", "only m.sas.v1 is supported")
		return fmt.Errorf("%w: %v", ErrUnsupportedMethod, content.Methods)
	}

	txn := &sasTransaction{
		id:          content.TransactionID,
		otherUser:   event.Sender,
		otherDevice: content.FromDevice,
		phase:       phaseRequested,
	}

	t.mu.Lock()
	if _, exists := t.txns[content.TransactionID]; exists {
		t.mu.Unlock()
		return nil
	}
	t.txns[content.TransactionID] = txn
	handler := t.requestHandler
	t.mu.Unlock()

	t.logger.Info("verification requested",
		"transaction_id", content.TransactionID,
		"from_user", event.Sender,
		"from_device", content.FromDevice,
	)
	if handler != nil {
		handler(content.TransactionID, event.Sender, content.FromDevice)
	}
	return nil
}

func (t *sasTracker) handleStart(ctx context.Context, event Event) error {
	var content verificationStartContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("parse verification start: %w", err)
	}

	txn := t.lookup(content.TransactionID)
	if txn == nil {
		return fmt.Errorf("start for unknown transaction %s", content.TransactionID)
	}

	supported := content.Method == sasMethod
	agreementOK := false
	for _, protocol := range content.KeyAgreementProtocols {
		if protocol == sasKeyAgreement {
			agreementOK = true
			break
		}
	}
	if !supported || !agreementOK {
		t.sendCancel(ctx, txn.otherUser, txn.otherDevice, txn.id,
			"m.unknown_method", "unsupported verification method")
		t.remove(txn.id)
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, content.Method)
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.phase >= phaseStarted {
		return nil
	}
	txn.startContent = event.Content
	txn.sasMethods = content.ShortAuthenticationString
	txn.phase = phaseStarted
	return nil
}

func (t *sasTracker) handleKey(ctx context.Context, event Event) error {
	var content verificationKeyContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("parse verification key: %w", err)
	}

	txn := t.lookup(content.TransactionID)
	if txn == nil {
		return fmt.Errorf("key for unknown transaction %s", content.TransactionID)
	}

	txn.mu.Lock()
	if txn.phase != phaseAccepted {
		txn.mu.Unlock()
		return fmt.Errorf("key event out of order for transaction %s", txn.id)
	}

	theirPublic, err := unpadded.DecodeString(content.Key)
	if err != nil {
		txn.mu.Unlock()
		return fmt.Errorf("decode their public key: %w", err)
	}
	txn.theirPublic = theirPublic
	txn.theirPublicB64 = content.Key
	ourKey := verificationKeyContent{TransactionID: txn.id, Key: txn.ourPublicBase64}
	txn.mu.Unlock()

	// Our key goes out only after theirs arrived, completing the
	// commitment scheme: they cannot pick a key as a function of ours.
	if err := t.conn.sendToDevice(ctx, "m.key.verification.key", txn.otherUser, txn.otherDevice, ourKey); err != nil {
		return err
	}

	return t.deriveSas(txn)
}

// deriveSas computes the shared secret and the SAS bytes both devices will
// render. The HKDF info binds the bytes to both identities, both ephemeral
// keys, and the transaction.
func (t *sasTracker) deriveSas(txn *sasTransaction) error {
	session, err := t.conn.session()
	if err != nil {
		return err
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()

	shared, err := curve25519.X25519(txn.ourPrivate, txn.theirPublic)
	if err != nil {
		return fmt.Errorf("compute shared secret: %w", err)
	}
	txn.sharedSecret = shared

	// curve25519-hkdf-sha256 pipe-separates the info fields, starter's
	// identity first; the remote device started.
	info := "MATRIX_KEY_VERIFICATION_SAS|" +
		txn.otherUser + "|" + txn.otherDevice + "|" + txn.theirPublicB64 + "|" +
		session.UserID + "|" + session.DeviceID + "|" + txn.ourPublicBase64 + "|" +
		txn.id

	sasBytes := make([]byte, 8)
	reader := hkdf.New(sha256.New, shared, nil, []byte(info))
	if _, err := io.ReadFull(reader, sasBytes); err != nil {
		return fmt.Errorf("derive sas bytes: %w", err)
	}
	txn.sasBytes = sasBytes
	txn.phase = phaseKeysExchanged

	t.logger.Info("sas challenge computable", "transaction_id", txn.id)
	return nil
}

func (t *sasTracker) handleMac(ctx context.Context, event Event) error {
	var content verificationMacContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("parse verification mac: %w", err)
	}

	txn := t.lookup(content.TransactionID)
	if txn == nil {
		return fmt.Errorf("mac for unknown transaction %s", content.TransactionID)
	}

	theirKey, err := t.conn.queryDeviceKey(ctx, txn.otherUser, txn.otherDevice)
	if err != nil {
		return err
	}

	txn.mu.Lock()
	if txn.sharedSecret == nil {
		txn.mu.Unlock()
		return fmt.Errorf("mac event before key exchange for transaction %s", txn.id)
	}
	session, sessionErr := t.conn.session()
	if sessionErr != nil {
		txn.mu.Unlock()
		return sessionErr
	}

	// Their MAC is keyed with their identity as sender.
	infoBase := "MATRIX_KEY_VERIFICATION_MAC" +
		txn.otherUser + txn.otherDevice +
		session.UserID + session.DeviceID +
		txn.id

	keyID := "ed25519:" + txn.otherDevice
	expectedKeyMac, err := computeMac(txn.sharedSecret, infoBase+keyID, theirKey)
	if err != nil {
		txn.mu.Unlock()
		return err
	}
	expectedListMac, err := computeMac(txn.sharedSecret, infoBase+"KEY_IDS", strings.Join(sortedKeyIDs(content.Mac), ","))
	if err != nil {
		txn.mu.Unlock()
		return err
	}

	keyMacOK := subtle.ConstantTimeCompare([]byte(content.Mac[keyID]), []byte(expectedKeyMac)) == 1
	listMacOK := subtle.ConstantTimeCompare([]byte(content.Keys), []byte(expectedListMac)) == 1
	if !keyMacOK || !listMacOK {
		txn.mu.Unlock()
		t.sendCancel(ctx, txn.otherUser, txn.otherDevice, txn.id,
			"m.key_mismatch", "MAC verification failed")
		t.remove(txn.id)
		return fmt.Errorf("mac mismatch for transaction %s", txn.id)
	}

	txn.theirMacVerified = true
	finished := txn.ourMacSent
	if finished {
		txn.phase = phaseDone
	}
	txn.mu.Unlock()

	if finished {
		return t.sendDone(ctx, txn)
	}
	return nil
}

func (t *sasTracker) handleDone(event Event) error {
	var content verificationDoneContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("parse verification done: %w", err)
	}
	if txn := t.lookup(content.TransactionID); txn != nil {
		txn.mu.Lock()
		if txn.ourMacSent {
			txn.phase = phaseDone
		}
		txn.mu.Unlock()
		t.logger.Info("verification done received", "transaction_id", content.TransactionID)
	}
	return nil
}

func (t *sasTracker) handleCancel(event Event) error {
	var content verificationCancelContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("parse verification cancel: %w", err)
	}
	if txn := t.lookup(content.TransactionID); txn != nil {
		txn.mu.Lock()
		txn.cancelled = true
		txn.mu.Unlock()
		t.remove(content.TransactionID)
		t.logger.Info("verification cancelled by remote",
			"transaction_id", content.TransactionID,
			"code", content.Code,
			"reason", content.Reason,
		)
	}
	return nil
}

func (t *sasTracker) sendDone(ctx context.Context, txn *sasTransaction) error {
	content := verificationDoneContent{TransactionID: txn.id}
	if err := t.conn.sendToDevice(ctx, "m.key.verification.done", txn.otherUser, txn.otherDevice, content); err != nil {
		return err
	}
	t.logger.Info("verification complete", "transaction_id", txn.id, "other_device", txn.otherDevice)
	return nil
}

func (t *sasTracker) sendCancel(ctx context.Context, userID, deviceID, transactionID, code, reason string) {
	content := verificationCancelContent{
		TransactionID: transactionID,
		Code:          code,
		Reason:        reason,
	}
	if err := t.conn.sendToDevice(ctx, "m.key.verification.cancel", userID, deviceID, content); err != nil {
		t.logger.Warn("failed to send verification cancel",
			"transaction_id", transactionID, "error", err)
	}
}

// computeMac implements hkdf-hmac-sha256.v2: HMAC-SHA256 keyed with an
// HKDF expansion of the shared secret, output unpadded base64.
func computeMac(sharedSecret []byte, info, message string) (string, error) {
	macKey := make([]byte, 32)
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(info))
	if _, err := io.ReadFull(reader, macKey); err != nil {
		return "", fmt.Errorf("derive mac key: %w", err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(message))
	return unpadded.EncodeToString(mac.Sum(nil)), nil
}

// Request implements verify.Engine.
func (t *sasTracker) Request(ctx context.Context, userID, requestID string) (verify.PendingRequest, error) {
	txn := t.lookup(requestID)
	if txn == nil {
		return nil, verify.ErrNotFound
	}
	return &requestHandle{tracker: t, txn: txn}, nil
}

// Verification implements verify.Engine. A transaction surfaces as a SAS
// object once the remote device's start message has arrived.
func (t *sasTracker) Verification(ctx context.Context, userID, requestID string) (verify.Sas, error) {
	txn := t.lookup(requestID)
	if txn == nil {
		return nil, verify.ErrNotFound
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.phase < phaseStarted {
		return nil, verify.ErrNotFound
	}
	return &sasHandle{tracker: t, txn: txn}, nil
}

// requestHandle is the pending-request form of a transaction.
type requestHandle struct {
	tracker *sasTracker
	txn     *sasTransaction
}

// Accept answers the verification request with a ready message offering SAS.
func (h *requestHandle) Accept(ctx context.Context) error {
	session, err := h.tracker.conn.session()
	if err != nil {
		return err
	}

	h.txn.mu.Lock()
	if h.txn.phase >= phaseReady {
		h.txn.mu.Unlock()
		return verify.ErrAlreadyAccepted
	}
	h.txn.phase = phaseReady
	h.txn.mu.Unlock()

	content := verificationReadyContent{
		FromDevice:    session.DeviceID,
		TransactionID: h.txn.id,
		Methods:       []string{sasMethod},
	}
	return h.tracker.conn.sendToDevice(ctx, "m.key.verification.ready", h.txn.otherUser, h.txn.otherDevice, content)
}

func (h *requestHandle) Cancel(ctx context.Context) error {
	h.tracker.sendCancel(ctx, h.txn.otherUser, h.txn.otherDevice, h.txn.id,
		"m.user", "verification cancelled by user")
	h.tracker.remove(h.txn.id)
	return nil
}

// sasHandle is the SAS form of a transaction.
type sasHandle struct {
	tracker *sasTracker
	txn     *sasTransaction
}

// Accept responds to the remote device's start message: generate the
// ephemeral key pair, commit to our public key, and send the accept.
func (h *sasHandle) Accept(ctx context.Context) error {
	h.txn.mu.Lock()
	if h.txn.phase >= phaseAccepted {
		h.txn.mu.Unlock()
		return verify.ErrAlreadyAccepted
	}

	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		h.txn.mu.Unlock()
		return fmt.Errorf("generate ephemeral key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		h.txn.mu.Unlock()
		return fmt.Errorf("derive ephemeral public key: %w", err)
	}
	h.txn.ourPrivate = private
	h.txn.ourPublicBase64 = unpadded.EncodeToString(public)

	// Commit to our key before seeing theirs.
	canonicalStart, err := canonicalJSON(json.RawMessage(h.txn.startContent))
	if err != nil {
		h.txn.mu.Unlock()
		return fmt.Errorf("canonicalize start content: %w", err)
	}
	commitment := sha256.Sum256(append([]byte(h.txn.ourPublicBase64), canonicalStart...))

	sasStrings := h.txn.sasMethods
	h.txn.phase = phaseAccepted
	h.txn.mu.Unlock()

	content := verificationAcceptContent{
		TransactionID:             h.txn.id,
		Method:                    sasMethod,
		KeyAgreementProtocol:      sasKeyAgreement,
		Hash:                      sasHash,
		MessageAuthenticationCode: sasMacVersion,
		ShortAuthenticationString: sasStrings,
		Commitment:                unpadded.EncodeToString(commitment[:]),
	}
	return h.tracker.conn.sendToDevice(ctx, "m.key.verification.accept", h.txn.otherUser, h.txn.otherDevice, content)
}

// Confirm sends our MAC after the operator compared the challenge.
func (h *sasHandle) Confirm(ctx context.Context) error {
	session, err := h.tracker.conn.session()
	if err != nil {
		return err
	}

	h.txn.mu.Lock()
	if h.txn.sharedSecret == nil {
		h.txn.mu.Unlock()
		return fmt.Errorf("matrix: sas keys not exchanged yet for %s", h.txn.id)
	}
	if h.txn.ourMacSent {
		h.txn.mu.Unlock()
		return nil
	}

	keys := h.tracker.conn.keys
	infoBase := "MATRIX_KEY_VERIFICATION_MAC" +
		session.UserID + session.DeviceID +
		h.txn.otherUser + h.txn.otherDevice +
		h.txn.id

	keyID := "ed25519:" + session.DeviceID
	macs := map[string]string{}
	keyMac, err := computeMac(h.txn.sharedSecret, infoBase+keyID, keys.ed25519PublicBase64())
	if err != nil {
		h.txn.mu.Unlock()
		return err
	}
	macs[keyID] = keyMac

	listMac, err := computeMac(h.txn.sharedSecret, infoBase+"KEY_IDS", strings.Join(sortedKeyIDs(macs), ","))
	if err != nil {
		h.txn.mu.Unlock()
		return err
	}

	h.txn.ourMacSent = true
	finished := h.txn.theirMacVerified
	if finished {
		h.txn.phase = phaseDone
	}
	h.txn.mu.Unlock()

	content := verificationMacContent{
		TransactionID: h.txn.id,
		Mac:           macs,
		Keys:          listMac,
	}
	if err := h.tracker.conn.sendToDevice(ctx, "m.key.verification.mac", h.txn.otherUser, h.txn.otherDevice, content); err != nil {
		return err
	}

	if finished {
		return h.tracker.sendDone(ctx, h.txn)
	}
	return nil
}

func (h *sasHandle) Cancel(ctx context.Context) error {
	h.tracker.sendCancel(ctx, h.txn.otherUser, h.txn.otherDevice, h.txn.id,
		"m.user", "verification cancelled by user")
	h.tracker.remove(h.txn.id)
	return nil
}

func (h *sasHandle) CanPresent() bool {
	h.txn.mu.Lock()
	defer h.txn.mu.Unlock()
	return h.txn.phase == phaseKeysExchanged && !h.txn.cancelled
}

func (h *sasHandle) Emojis() []verify.Emoji {
	h.txn.mu.Lock()
	defer h.txn.mu.Unlock()
	if h.txn.sasBytes == nil || !supportsSasString(h.txn.sasMethods, "emoji") {
		return nil
	}
	return sasEmojis(h.txn.sasBytes)
}

func (h *sasHandle) Decimals() (int, int, int, bool) {
	h.txn.mu.Lock()
	defer h.txn.mu.Unlock()
	if h.txn.sasBytes == nil || !supportsSasString(h.txn.sasMethods, "decimal") {
		return 0, 0, 0, false
	}
	d1, d2, d3 := sasDecimals(h.txn.sasBytes)
	return d1, d2, d3, true
}

func (h *sasHandle) IsDone() bool {
	h.txn.mu.Lock()
	defer h.txn.mu.Unlock()
	return h.txn.phase == phaseDone
}

func supportsSasString(methods []string, want string) bool {
	for _, method := range methods {
		if method == want {
			return true
		}
	}
	return false
}
