package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/dispatch/internal/nonce"
	"github.com/example/dispatch/pkg/dispatchapi"
)

// ProtocolVersion must match between signer and verifier; a mismatch is a
// deployment problem, not a retryable error.
const ProtocolVersion = "1.0"

const (
	// MaxSignatureAge is the oldest timestamp verification accepts.
	MaxSignatureAge = 5 * time.Minute
	// MaxClockSkew tolerates producer clocks running ahead of ours.
	MaxClockSkew = time.Minute

	// encryptionSalt separates the AEAD key derivation from the signing key
	// derivation. Compromise of one key does not yield the other.
	encryptionSalt = "dispatch-encryption-v1"

	gcmIVSize  = 12
	gcmTagSize = 16
)

var (
	ErrSecretTooShort   = errors.New("shared secret must be at least 32 characters")
	ErrProtocolMismatch = errors.New("protocol version mismatch")
	ErrExpired          = errors.New("signature expired")
	ErrFutureTimestamp  = errors.New("timestamp in the future")
	ErrReplay           = errors.New("nonce already consumed")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrIntegrity        = errors.New("payload integrity check failed")
)

// Codec signs tasks for transmission and verifies envelopes on receipt.
// Both the controller and the worker agent construct one from the same
// shared secret, so verification is mirrored on either side of the trust
// boundary.
type Codec struct {
	signingKey    []byte
	encryptionKey []byte
	guard         nonce.Guard
	now           func() time.Time
}

// New derives the signing and encryption keys from secret. The guard is the
// replay cache consulted during Verify.
func New(secret string, guard nonce.Guard) (*Codec, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	signingKey := sha256.Sum256([]byte(secret))
	encryptionKey := sha256.Sum256([]byte(secret + encryptionSalt))
	return &Codec{
		signingKey:    signingKey[:],
		encryptionKey: encryptionKey[:],
		guard:         guard,
		now:           time.Now,
	}, nil
}

// Sign wraps the task in a SignedEnvelope. The payload hash is always
// computed over the pre-encryption payload so integrity stays checkable no
// matter whether confidentiality was applied.
func (c *Codec) Sign(task dispatchapi.Task, encrypt bool) (dispatchapi.SignedEnvelope, error) {
	timestamp := c.now().UTC().UnixMilli()
	n, err := newNonce()
	if err != nil {
		return dispatchapi.SignedEnvelope{}, err
	}

	canonical, err := canonicalJSON(task.Payload)
	if err != nil {
		return dispatchapi.SignedEnvelope{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	dataHash := hex.EncodeToString(sum[:])

	env := dispatchapi.SignedEnvelope{
		TaskID:          task.ID,
		Type:            task.Type,
		OwnerID:         task.OwnerID,
		Payload:         task.Payload,
		DataHash:        dataHash,
		Priority:        task.Priority,
		CreatedAt:       task.CreatedAt,
		RetryCount:      task.RetryCount,
		Timestamp:       timestamp,
		Nonce:           n,
		ProtocolVersion: ProtocolVersion,
	}

	if encrypt && len(task.Payload) > 0 {
		blob, err := c.encryptPayload(canonical)
		if err != nil {
			return dispatchapi.SignedEnvelope{}, err
		}
		env.EncryptedPayload = blob
		env.Payload = map[string]any{"encrypted": true}
	}

	signing := signingString(task.ID, task.Type, task.OwnerID, timestamp, n, dataHash)
	env.Signature = c.hmacHex(signing)
	return env, nil
}

// Verify runs the ordered checks from cheapest to most expensive and
// short-circuits on the first failure. The nonce is consumed before the
// signature is checked so two concurrent presentations of the same envelope
// cannot both pass; a nonce burned on an envelope that then fails signature
// verification stays burned, which is the accepted trade-off.
func (c *Codec) Verify(ctx context.Context, env dispatchapi.SignedEnvelope) (dispatchapi.Task, error) {
	if env.ProtocolVersion != ProtocolVersion {
		return dispatchapi.Task{}, fmt.Errorf("%w: got %q want %q", ErrProtocolMismatch, env.ProtocolVersion, ProtocolVersion)
	}

	age := c.now().UTC().UnixMilli() - env.Timestamp
	if age > MaxSignatureAge.Milliseconds() {
		return dispatchapi.Task{}, fmt.Errorf("%w: age %dms", ErrExpired, age)
	}
	if age < -MaxClockSkew.Milliseconds() {
		return dispatchapi.Task{}, fmt.Errorf("%w: age %dms", ErrFutureTimestamp, age)
	}

	fresh, err := c.guard.Consume(ctx, env.TaskID, env.Nonce)
	if err != nil {
		return dispatchapi.Task{}, fmt.Errorf("nonce guard: %w", err)
	}
	if !fresh {
		return dispatchapi.Task{}, fmt.Errorf("%w: task %s", ErrReplay, env.TaskID)
	}

	signing := signingString(env.TaskID, env.Type, env.OwnerID, env.Timestamp, env.Nonce, env.DataHash)
	expected := c.hmacHex(signing)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return dispatchapi.Task{}, ErrInvalidSignature
	}

	payload := env.Payload
	if env.EncryptedPayload != "" {
		plaintext, err := c.decryptPayload(env.EncryptedPayload)
		if err != nil {
			return dispatchapi.Task{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		decoded := map[string]any{}
		if err := json.Unmarshal(plaintext, &decoded); err != nil {
			return dispatchapi.Task{}, fmt.Errorf("%w: decrypted payload is not a document", ErrIntegrity)
		}
		payload = decoded
	} else if env.DataHash != "" {
		canonical, err := canonicalJSON(payload)
		if err != nil {
			return dispatchapi.Task{}, fmt.Errorf("canonicalize payload: %w", err)
		}
		sum := sha256.Sum256(canonical)
		if hex.EncodeToString(sum[:]) != env.DataHash {
			return dispatchapi.Task{}, fmt.Errorf("%w: payload hash mismatch", ErrIntegrity)
		}
	}

	return dispatchapi.Task{
		ID:         env.TaskID,
		Type:       env.Type,
		OwnerID:    env.OwnerID,
		Payload:    payload,
		Priority:   env.Priority,
		RetryCount: env.RetryCount,
		CreatedAt:  env.CreatedAt,
	}, nil
}

func signingString(taskID, taskType, ownerID string, timestamp int64, n, dataHash string) string {
	return strings.Join([]string{
		taskID,
		taskType,
		ownerID,
		strconv.FormatInt(timestamp, 10),
		n,
		dataHash,
	}, "|")
}

func (c *Codec) hmacHex(signing string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(signing))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON produces a deterministic encoding: encoding/json writes map
// keys in sorted order at every nesting level.
func canonicalJSON(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// encryptPayload seals plaintext with AES-256-GCM under a random 96-bit IV
// and renders iv:tag:ciphertext, each part base64.
func (c *Codec) encryptPayload(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

func (c *Codec) decryptPayload(blob string) ([]byte, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, errors.New("invalid encrypted payload format")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	if len(iv) != gcmIVSize || len(tag) != gcmTagSize {
		return nil, errors.New("invalid encrypted payload framing")
	}
	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, append(ciphertext, tag...), nil)
}
