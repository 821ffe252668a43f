package gateway

import "encoding/json"

// Client message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"
	msgGenRequest  = "gen_request"
)

// Server message types.
const (
	msgConnected = "connected"
	msgGenResult = "gen_result"
	msgPong      = "pong"
	msgError     = "error"
)

// ScopeSubmit is required to submit generation requests. Frame delivery
// uses broadcast.ScopeStream.
const ScopeSubmit = "reality.submit"

// clientMessage is the inbound wire shape. Fields beyond Type are only
// meaningful for gen_request (jobID, payload, deadlineMs) and ping (ts).
type clientMessage struct {
	Type       string          `json:"type"`
	Channel    string          `json:"channel,omitempty"`
	JobID      string          `json:"jobID,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeadlineMs int64           `json:"deadlineMs,omitempty"`
	TS         int64           `json:"ts,omitempty"`
}

type connectedMessage struct {
	Type     string `json:"type"`
	TenantID string `json:"tenantID"`
	ServerTs int64  `json:"serverTs"` // unix milliseconds
}

type genResultMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobID"`
	Success bool   `json:"success"`
	SceneID string `json:"sceneID,omitempty"`
	Error   string `json:"error,omitempty"`
}

// pongMessage echoes the ping's ts so clients can measure round trips.
type pongMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"` // error taxonomy kind
	JobID   string `json:"jobID,omitempty"`
	Message string `json:"message"`
}
