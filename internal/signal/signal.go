// Package signal serializes connection handshake payloads to transport-safe
// tokens. A token is base64 of a JSON envelope and is designed to travel over
// a one-shot out-of-band channel such as a QR code or the clipboard; nothing
// here assumes a live back-channel.
package signal

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/peerlink-chat/peerlink/internal/crypto"
)

const Version = "1.0"

type Type string

const (
	TypeOffer            Type = "webrtc_offer"
	TypeAnswer           Type = "webrtc_answer"
	TypeConnection       Type = "p2p_connection"
	TypeInvitation       Type = "p2p_invitation"
	TypeSecureConnection Type = "p2p_secure_connection"
)

// Signal is a decoded handshake payload.
type Signal struct {
	Type      Type
	ID        string
	PeerID    string
	UserName  string
	Timestamp time.Time
	SDP       string
	ExpiresAt time.Time
	Data      map[string]any
}

// envelope is the wire form. The unique id travels under a type-specific
// field name; decode accepts any of them.
type envelope struct {
	Version      string         `json:"version"`
	Type         Type           `json:"type"`
	PeerID       string         `json:"peerId"`
	UserName     string         `json:"userName"`
	Timestamp    string         `json:"timestamp"`
	ConnectionID string         `json:"connectionId,omitempty"`
	OfferID      string         `json:"offerId,omitempty"`
	InvitationID string         `json:"invitationId,omitempty"`
	SDP          string         `json:"sdp,omitempty"`
	ExpiresAt    string         `json:"expiresAt,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// secureEnvelope wraps an encrypted inner envelope. The random nonce is
// prepended to the ciphertext before encoding.
type secureEnvelope struct {
	Encrypted bool   `json:"encrypted"`
	Data      []byte `json:"data"`
	Version   string `json:"version"`
}

func encode(env envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func newEnvelope(t Type, peerID, userName string) envelope {
	return envelope{
		Version:   Version,
		Type:      t,
		PeerID:    peerID,
		UserName:  userName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// EncodeOffer renders a connection offer as a token.
func EncodeOffer(sdp, peerID, userName string) (string, error) {
	env := newEnvelope(TypeOffer, peerID, userName)
	env.OfferID = uuid.NewString()
	env.SDP = sdp
	return encode(env)
}

// EncodeAnswer renders the response to an offer as a token.
func EncodeAnswer(sdp, peerID, userName string) (string, error) {
	env := newEnvelope(TypeAnswer, peerID, userName)
	env.OfferID = uuid.NewString()
	env.SDP = sdp
	return encode(env)
}

// EncodeConnection renders a plain connection card carrying arbitrary
// metadata, for example contact details shown before any offer is made.
func EncodeConnection(peerID, userName string, data map[string]any) (string, error) {
	env := newEnvelope(TypeConnection, peerID, userName)
	env.ConnectionID = uuid.NewString()
	env.Data = data
	return encode(env)
}

// EncodeInvitation renders an invitation valid for ttl. An expired
// invitation decodes as invalid.
func EncodeInvitation(peerID, userName string, ttl time.Duration, data map[string]any) (string, error) {
	env := newEnvelope(TypeInvitation, peerID, userName)
	env.InvitationID = uuid.NewString()
	env.ExpiresAt = time.Now().UTC().Add(ttl).Format(time.RFC3339)
	env.Data = data
	return encode(env)
}

// EncodeSecureOffer is EncodeOffer with the inner envelope encrypted under
// key. Only a holder of the same key can decode the result.
func EncodeSecureOffer(sdp, peerID, userName string, key crypto.Key) (string, error) {
	env := newEnvelope(TypeSecureConnection, peerID, userName)
	env.ConnectionID = uuid.NewString()
	env.SDP = sdp
	return encodeSecure(env, key)
}

// EncodeSecureAnswer is the secure counterpart of EncodeAnswer.
func EncodeSecureAnswer(sdp, peerID, userName string, key crypto.Key) (string, error) {
	env := newEnvelope(TypeAnswer, peerID, userName)
	env.OfferID = uuid.NewString()
	env.SDP = sdp
	return encodeSecure(env, key)
}

func encodeSecure(env envelope, key crypto.Key) (string, error) {
	inner, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	ciphertext, nonce, err := crypto.Encrypt(key, inner)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(secureEnvelope{
		Encrypted: true,
		Data:      append(nonce, ciphertext...),
		Version:   Version,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a token. It returns nil for anything that is not a valid
// plain signal: malformed base64 or JSON, an unknown type, missing required
// fields, an encrypted envelope, or an expired invitation. It never panics.
func Decode(token string) *Signal {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil
	}

	var sec secureEnvelope
	if err := json.Unmarshal(raw, &sec); err == nil && sec.Encrypted {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	return validate(env)
}

// DecodeSecure decrypts and parses a secure token. Wrong key, corrupted
// ciphertext, or an invalid inner envelope all yield nil; partial data is
// never returned.
func DecodeSecure(token string, key crypto.Key) *Signal {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil
	}

	var sec secureEnvelope
	if err := json.Unmarshal(raw, &sec); err != nil || !sec.Encrypted {
		return nil
	}
	if len(sec.Data) <= crypto.NonceBytes {
		return nil
	}

	inner, err := crypto.Decrypt(key, sec.Data[crypto.NonceBytes:], sec.Data[:crypto.NonceBytes])
	if err != nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(inner, &env); err != nil {
		return nil
	}
	return validate(env)
}

func validate(env envelope) *Signal {
	switch env.Type {
	case TypeOffer, TypeAnswer, TypeConnection, TypeInvitation, TypeSecureConnection:
	default:
		return nil
	}
	if env.PeerID == "" {
		return nil
	}

	id := env.ConnectionID
	if id == "" {
		id = env.OfferID
	}
	if id == "" {
		id = env.InvitationID
	}
	if id == "" {
		return nil
	}

	sig := &Signal{
		Type:     env.Type,
		ID:       id,
		PeerID:   env.PeerID,
		UserName: env.UserName,
		SDP:      env.SDP,
		Data:     env.Data,
	}

	if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
		sig.Timestamp = ts
	}

	if env.Type == TypeInvitation {
		exp, err := time.Parse(time.RFC3339, env.ExpiresAt)
		if err != nil || !exp.After(time.Now()) {
			return nil
		}
		sig.ExpiresAt = exp
	}

	if (env.Type == TypeOffer || env.Type == TypeAnswer || env.Type == TypeSecureConnection) && env.SDP == "" {
		return nil
	}
	return sig
}
