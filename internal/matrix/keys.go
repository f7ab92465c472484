package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// uploadDeviceKeys publishes the device's signed identity keys. Skipped if
// the keys for this device were already uploaded.
func (c *connection) uploadDeviceKeys(ctx context.Context, session Session) error {
	done, err := c.identity.published(session.DeviceID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	c.mu.RLock()
	keys := c.keys
	c.mu.RUnlock()

	curvePublic, err := keys.curve25519PublicBase64()
	if err != nil {
		return err
	}

	deviceKeys := map[string]any{
		"user_id":    session.UserID,
		"device_id":  session.DeviceID,
		"algorithms": []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		"keys": map[string]string{
			"ed25519:" + session.DeviceID:    keys.ed25519PublicBase64(),
			"curve25519:" + session.DeviceID: curvePublic,
		},
	}

	signature, err := keys.signJSON(deviceKeys)
	if err != nil {
		return fmt.Errorf("sign device keys: %w", err)
	}
	deviceKeys["signatures"] = map[string]any{
		session.UserID: map[string]string{
			"ed25519:" + session.DeviceID: signature,
		},
	}

	request := map[string]any{"device_keys": deviceKeys}
	if _, err := c.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", session.AccessToken, request, nil); err != nil {
		return err
	}

	if err := c.identity.markPublished(session.DeviceID); err != nil {
		return err
	}
	c.logger.Info("device keys uploaded", "device_id", session.DeviceID)
	return nil
}

type keysQueryResponse struct {
	DeviceKeys map[string]map[string]struct {
		UserID   string            `json:"user_id"`
		DeviceID string            `json:"device_id"`
		Keys     map[string]string `json:"keys"`
	} `json:"device_keys"`
}

// queryDeviceKey fetches the published ed25519 key of another device,
// needed to verify the MAC it sends during SAS verification.
func (c *connection) queryDeviceKey(ctx context.Context, userID, deviceID string) (string, error) {
	session, err := c.session()
	if err != nil {
		return "", err
	}

	request := map[string]any{
		"device_keys": map[string][]string{userID: {deviceID}},
	}
	body, err := c.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", session.AccessToken, request, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: query keys for %s/%s: %w", userID, deviceID, err)
	}

	var response keysQueryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse keys query response: %w", err)
	}

	device, ok := response.DeviceKeys[userID][deviceID]
	if !ok {
		return "", fmt.Errorf("matrix: no published keys for %s/%s", userID, deviceID)
	}
	key, ok := device.Keys["ed25519:"+deviceID]
	if !ok {
		return "", fmt.Errorf("matrix: no ed25519 key for %s/%s", userID, deviceID)
	}
	return key, nil
}
