// Package protocol defines the wire messages exchanged between federated
// instances over the peer websocket connection (spec §4.9, §4.10): a
// plaintext key-exchange envelope followed by AES-256-GCM encrypted
// envelopes carrying authentication and session RPC messages.
package protocol

import (
	"encoding/base64"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/coneilen/terminal-manager-go/lib/cryptoutil"
)

// EnvelopeType names the outer frame kind. Only KeyExchange travels in the
// clear; every other type's Payload is an AES-GCM packed, base64-encoded
// blob of a Message.
type EnvelopeType string

const (
	EnvelopeKeyExchange EnvelopeType = "key:exchange"
	EnvelopeSecure      EnvelopeType = "secure"
)

// Envelope is the outer frame sent as a websocket text message. PublicKey
// is set only for EnvelopeKeyExchange; Payload is set only for
// EnvelopeSecure and holds the AES-GCM packed, base64-encoded Message.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	PublicKey string       `json:"publicKey,omitempty"`
	Payload   string       `json:"payload,omitempty"`
}

// MessageType names an inner, encrypted protocol message.
type MessageType string

const (
	MsgAuthRequest  MessageType = "auth:request"
	MsgAuthApproved MessageType = "auth:approved"
	MsgAuthDenied   MessageType = "auth:denied"

	MsgSessionList         MessageType = "session:list"
	MsgSessionListResponse MessageType = "session:list:response"

	MsgSessionCreate         MessageType = "session:create"
	MsgSessionCreateResponse MessageType = "session:create:response"

	MsgSessionClose         MessageType = "session:close"
	MsgSessionCloseResponse MessageType = "session:close:response"

	MsgSessionWrite  MessageType = "session:write"
	MsgSessionResize MessageType = "session:resize"

	MsgSessionOutput MessageType = "session:output"
	MsgSessionUpdate MessageType = "session:update"
	MsgSessionExit   MessageType = "session:exit"

	MsgDisconnect MessageType = "disconnect"
)

// SessionView is the peer-safe projection of a supervisor session sent
// across the wire.
type SessionView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	WorkingDir      string `json:"workingDir"`
	GitRoot         string `json:"gitRoot,omitempty"`
	GitBranch       string `json:"gitBranch,omitempty"`
	Model           string `json:"model,omitempty"`
	ContextUsed     string `json:"contextUsed,omitempty"`
	LastMessage     string `json:"lastMessage,omitempty"`
	WaitingForInput bool   `json:"waitingForInput,omitempty"`

	// Replay carries the session's buffered scrollback (base64, via
	// EncodeWriteData/DecodeWriteData) so a frontend attaching after
	// creation is not blank. Populated on get(id), session:list, and
	// session:create's response; omitted elsewhere (session:update
	// already has a live stream, so replaying it is unnecessary).
	Replay string `json:"replay,omitempty"`
}

// Message is the flat inner protocol message. Not every field applies to
// every Type; see the constants above for which fields a given type uses.
type Message struct {
	Type MessageType `json:"type"`
	ID   string      `json:"requestId,omitempty"` // RPC correlation id, empty for oneway/broadcast messages

	// auth:request
	InstanceID   string `json:"instanceId,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	IdentityHash string `json:"identityHash,omitempty"`

	// auth:denied, disconnect
	Reason string `json:"reason,omitempty"`

	// session:create:request
	Kind       string `json:"kind,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Name       string `json:"name,omitempty"`
	Resume     bool   `json:"resume,omitempty"`

	// session:*:request / session:write / session:resize / session:output / session:exit
	SessionID string `json:"sessionId,omitempty"`

	// session:write
	Data string `json:"data,omitempty"` // base64

	// session:resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// session:exit
	Code int `json:"code,omitempty"`

	// session:list:response
	Sessions []SessionView `json:"sessions,omitempty"`

	// session:create:response, session:update
	Session *SessionView `json:"session,omitempty"`

	// any *:response
	Error string `json:"error,omitempty"`
}

// EncodeKeyExchange wraps a base64 Diffie-Hellman public key as a plaintext
// envelope.
func EncodeKeyExchange(pubKeyBase64 string) ([]byte, error) {
	env := Envelope{Type: EnvelopeKeyExchange, PublicKey: pubKeyBase64}
	out, err := json.Marshal(env)
	return out, trace.Wrap(err)
}

// DecodeEnvelope parses the outer frame without touching the payload.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, trace.Wrap(err)
	}
	return env, nil
}

// EncodeSecure encrypts msg under key and wraps it in a "secure" envelope.
func EncodeSecure(key []byte, msg Message) ([]byte, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	packed, err := cryptoutil.Encrypt(key, plaintext)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out, err := json.Marshal(Envelope{Type: EnvelopeSecure, Payload: packed})
	return out, trace.Wrap(err)
}

// DecodeSecure decrypts a "secure" envelope's payload into a Message.
func DecodeSecure(key []byte, env Envelope) (Message, error) {
	plaintext, err := cryptoutil.Decrypt(key, env.Payload)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return Message{}, trace.Wrap(err)
	}
	return msg, nil
}

// EncodeWriteData base64-encodes raw PTY input for a session:write message.
func EncodeWriteData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeWriteData reverses EncodeWriteData.
func DecodeWriteData(encoded string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(encoded)
	return out, trace.Wrap(err)
}
