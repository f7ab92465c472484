package matrix

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// bootstrapCrossSigning establishes the account's cross-signing key
// hierarchy (master, self-signing, user-signing) and signs this device with
// the self-signing key. Uploading the keys requires a user-interactive auth
// stage, completed with the account password.
//
// If the account already has a master key, nothing is uploaded — replacing
// the hierarchy would invalidate trust established from other devices. The
// private halves are not retained: device trust for this bot is established
// interactively through SAS verification, not by signing on behalf of other
// devices later.
func (c *connection) bootstrapCrossSigning(ctx context.Context, session Session, password string) error {
	exists, err := c.hasMasterKey(ctx, session)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Info("cross-signing already bootstrapped", "user_id", session.UserID)
		return nil
	}

	c.mu.RLock()
	deviceKeys := c.keys
	c.mu.RUnlock()

	master, masterKey, err := newCrossSigningKey(session.UserID, "master", nil, nil)
	if err != nil {
		return err
	}
	selfSigning, selfSigningKey, err := newCrossSigningKey(session.UserID, "self_signing", master, masterKey)
	if err != nil {
		return err
	}
	userSigning, _, err := newCrossSigningKey(session.UserID, "user_signing", master, masterKey)
	if err != nil {
		return err
	}

	request := map[string]any{
		"master_key":       master,
		"self_signing_key": selfSigning,
		"user_signing_key": userSigning,
	}
	if err := c.uploadWithUIA(ctx, session, password, "/_matrix/client/v3/keys/device_signing/upload", request); err != nil {
		return fmt.Errorf("upload cross-signing keys: %w", err)
	}

	// Sign our own device with the self-signing key so other clients see
	// the device as cross-signed once they trust the master key.
	curvePublic, err := deviceKeys.curve25519PublicBase64()
	if err != nil {
		return err
	}
	device := map[string]any{
		"user_id":    session.UserID,
		"device_id":  session.DeviceID,
		"algorithms": []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		"keys": map[string]string{
			"ed25519:" + session.DeviceID:    deviceKeys.ed25519PublicBase64(),
			"curve25519:" + session.DeviceID: curvePublic,
		},
	}
	canonical, err := canonicalJSON(device)
	if err != nil {
		return err
	}
	selfSigningPublic := unpadded.EncodeToString(selfSigningKey.Public().(ed25519.PublicKey))
	device["signatures"] = map[string]any{
		session.UserID: map[string]string{
			"ed25519:" + selfSigningPublic: unpadded.EncodeToString(ed25519.Sign(selfSigningKey, canonical)),
		},
	}

	signatures := map[string]any{
		session.UserID: map[string]any{session.DeviceID: device},
	}
	if _, err := c.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/signatures/upload", session.AccessToken, signatures, nil); err != nil {
		return fmt.Errorf("upload device self-signature: %w", err)
	}

	c.logger.Info("cross-signing bootstrapped", "user_id", session.UserID)
	return nil
}

func (c *connection) hasMasterKey(ctx context.Context, session Session) (bool, error) {
	request := map[string]any{
		"device_keys": map[string][]string{session.UserID: {}},
	}
	body, err := c.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", session.AccessToken, request, nil)
	if err != nil {
		return false, fmt.Errorf("query cross-signing status: %w", err)
	}

	var response struct {
		MasterKeys map[string]json.RawMessage `json:"master_keys"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return false, fmt.Errorf("parse cross-signing status: %w", err)
	}
	_, ok := response.MasterKeys[session.UserID]
	return ok, nil
}

// newCrossSigningKey generates a fresh ed25519 cross-signing key payload
// for the given usage, signed by the master key when one is supplied.
func newCrossSigningKey(userID, usage string, master map[string]any, masterKey ed25519.PrivateKey) (map[string]any, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate %s key: %w", usage, err)
	}

	publicBase64 := unpadded.EncodeToString(public)
	key := map[string]any{
		"user_id": userID,
		"usage":   []string{usage},
		"keys": map[string]string{
			"ed25519:" + publicBase64: publicBase64,
		},
	}

	if masterKey != nil {
		canonical, err := canonicalJSON(key)
		if err != nil {
			return nil, nil, err
		}
		masterPublic := unpadded.EncodeToString(masterKey.Public().(ed25519.PublicKey))
		key["signatures"] = map[string]any{
			userID: map[string]string{
				"ed25519:" + masterPublic: unpadded.EncodeToString(ed25519.Sign(masterKey, canonical)),
			},
		}
	}
	return key, private, nil
}

// uploadWithUIA performs the two-phase user-interactive auth dance: the
// first attempt returns 401 with a session ID, the second completes the
// password stage.
func (c *connection) uploadWithUIA(ctx context.Context, session Session, password, path string, request map[string]any) error {
	body, err := c.client.doRequest(ctx, http.MethodPost, path, session.AccessToken, request, nil)
	if err == nil {
		return nil
	}

	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusUnauthorized {
		return err
	}

	var uiaResponse struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(body, &uiaResponse); err != nil {
		return fmt.Errorf("parse UIA response: %w", err)
	}
	if uiaResponse.Session == "" {
		return fmt.Errorf("UIA response missing session ID")
	}

	request["auth"] = map[string]any{
		"type":       "m.login.password",
		"identifier": loginIdentifier{Type: "m.id.user", User: session.UserID},
		"password":   password,
		"session":    uiaResponse.Session,
	}
	if _, err := c.client.doRequest(ctx, http.MethodPost, path, session.AccessToken, request, nil); err != nil {
		return err
	}
	return nil
}
