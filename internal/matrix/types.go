package matrix

import "encoding/json"

// Session is the resumable authentication state returned by login.
type Session struct {
	UserID      string
	DeviceID    string
	AccessToken string
}

// Message is a room message reduced to what the bridge needs.
type Message struct {
	RoomID string
	Sender string
	Body   string
	Type   string
}

// IsText reports whether the message is a plain text message.
func (m Message) IsText() bool {
	return m.Type == "m.text"
}

// MessageHandler receives live room messages from the sync loop.
type MessageHandler func(Message)

// VerificationRequestHandler receives inbound verification request events.
type VerificationRequestHandler func(requestID, otherUser, otherDevice string)

// Event is a Matrix event as it appears in /sync and /messages responses.
type Event struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content"`
}

type messageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type                     string          `json:"type"`
	Identifier               loginIdentifier `json:"identifier"`
	Password                 string          `json:"password"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

type authResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

type whoamiResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type messagesResponse struct {
	Chunk []Event `json:"chunk"`
	Start string  `json:"start"`
	End   string  `json:"end"`
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]joinedRoom `json:"join"`
	} `json:"rooms"`
	ToDevice struct {
		Events []Event `json:"events"`
	} `json:"to_device"`
}

type joinedRoom struct {
	Timeline struct {
		Events []Event `json:"events"`
	} `json:"timeline"`
}
