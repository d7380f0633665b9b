package envelope

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/dispatch/internal/nonce"
	"github.com/example/dispatch/pkg/dispatchapi"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(testSecret, nonce.NewMemoryGuard())
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func sampleTask() dispatchapi.Task {
	return dispatchapi.Task{
		ID:      "task_0123abcd4567ef89",
		Type:    "post_listing",
		OwnerID: "acct_42",
		Payload: map[string]any{
			"listing": map[string]any{
				"title": "2019 Honda Civic",
				"price": 12000.0,
			},
			"photos": []any{"a.jpg", "b.jpg"},
		},
		Priority:  5,
		CreatedAt: "2026-03-01T12:00:00Z",
	}
}

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := New("too-short", nonce.NewMemoryGuard()); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestSignVerifyRoundTripEncrypted(t *testing.T) {
	c := newTestCodec(t)
	task := sampleTask()

	env, err := c.Sign(task, true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if env.EncryptedPayload == "" {
		t.Fatalf("expected encrypted payload")
	}
	if enc, ok := env.Payload["encrypted"].(bool); !ok || !enc {
		t.Fatalf("expected encrypted marker, got %+v", env.Payload)
	}
	if parts := strings.Split(env.EncryptedPayload, ":"); len(parts) != 3 {
		t.Fatalf("expected iv:tag:ciphertext framing, got %d parts", len(parts))
	}
	if env.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected protocol version %q", env.ProtocolVersion)
	}

	got, err := c.Verify(context.Background(), env)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(got.Payload, task.Payload) {
		t.Fatalf("payload mismatch:\n got %+v\nwant %+v", got.Payload, task.Payload)
	}
	if got.ID != task.ID || got.OwnerID != task.OwnerID || got.Type != task.Type {
		t.Fatalf("identity fields mismatch: %+v", got)
	}
}

func TestSignVerifyRoundTripPlaintext(t *testing.T) {
	c := newTestCodec(t)
	task := sampleTask()

	env, err := c.Sign(task, false)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if env.EncryptedPayload != "" {
		t.Fatalf("expected plaintext envelope")
	}
	got, err := c.Verify(context.Background(), env)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(got.Payload, task.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.Sign(sampleTask(), true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := c.Verify(context.Background(), env); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := c.Verify(context.Background(), env); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestVerifyRejectsProtocolMismatch(t *testing.T) {
	c := newTestCodec(t)
	env, _ := c.Sign(sampleTask(), false)
	env.ProtocolVersion = "0.9"
	if _, err := c.Verify(context.Background(), env); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

func TestVerifyTamperedPlaintextPayload(t *testing.T) {
	c := newTestCodec(t)
	env, _ := c.Sign(sampleTask(), false)
	env.Payload["photos"] = []any{"a.jpg", "c.jpg"}
	if _, err := c.Verify(context.Background(), env); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestVerifyTamperedSignedFields(t *testing.T) {
	c := newTestCodec(t)

	cases := []struct {
		name   string
		mutate func(env *dispatchapi.SignedEnvelope)
	}{
		{"signature", func(env *dispatchapi.SignedEnvelope) {
			env.Signature = flipHexByte(env.Signature)
		}},
		{"owner", func(env *dispatchapi.SignedEnvelope) {
			env.OwnerID = env.OwnerID + "x"
		}},
		{"nonce", func(env *dispatchapi.SignedEnvelope) {
			env.Nonce = flipHexByte(env.Nonce)
		}},
		{"timestamp", func(env *dispatchapi.SignedEnvelope) {
			env.Timestamp++
		}},
		{"data_hash", func(env *dispatchapi.SignedEnvelope) {
			env.DataHash = flipHexByte(env.DataHash)
		}},
	}
	for _, tc := range cases {
		env, err := c.Sign(sampleTask(), false)
		if err != nil {
			t.Fatalf("%s: sign: %v", tc.name, err)
		}
		tc.mutate(&env)
		if _, err := c.Verify(context.Background(), env); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: expected ErrInvalidSignature, got %v", tc.name, err)
		}
	}
}

func TestVerifyTamperedCiphertext(t *testing.T) {
	c := newTestCodec(t)
	env, _ := c.Sign(sampleTask(), true)
	parts := strings.Split(env.EncryptedPayload, ":")
	parts[2] = flipBase64Byte(parts[2])
	env.EncryptedPayload = strings.Join(parts, ":")
	if _, err := c.Verify(context.Background(), env); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestVerifyTimestampWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		skew    time.Duration
		wantErr error
	}{
		{"just inside max age", -(MaxSignatureAge - time.Millisecond), nil},
		{"past max age", -(MaxSignatureAge + time.Millisecond), ErrExpired},
		{"slightly ahead", 59 * time.Second, nil},
		{"too far ahead", 61 * time.Second, ErrFutureTimestamp},
	}
	for _, tc := range cases {
		c := newTestCodec(t)
		c.now = func() time.Time { return base.Add(tc.skew) }
		env, err := c.Sign(sampleTask(), false)
		if err != nil {
			t.Fatalf("%s: sign: %v", tc.name, err)
		}
		c.now = func() time.Time { return base }
		_, err = c.Verify(context.Background(), env)
		if tc.wantErr == nil {
			if err != nil {
				t.Fatalf("%s: expected success, got %v", tc.name, err)
			}
			continue
		}
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestVerifyAcrossMirroredCodecs(t *testing.T) {
	signer := newTestCodec(t)
	verifier := newTestCodec(t)

	env, err := signer.Sign(sampleTask(), true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := verifier.Verify(context.Background(), env)
	if err != nil {
		t.Fatalf("verify on mirrored codec: %v", err)
	}
	if !reflect.DeepEqual(got.Payload, sampleTask().Payload) {
		t.Fatalf("payload mismatch across codecs")
	}

	other, err := New("ffffffffffffffffffffffffffffffff", nonce.NewMemoryGuard())
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	env2, _ := signer.Sign(sampleTask(), false)
	if _, err := other.Verify(context.Background(), env2); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature with wrong secret, got %v", err)
	}
}

func flipHexByte(s string) string {
	if s == "" {
		return "0"
	}
	b := []byte(s)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}

func flipBase64Byte(s string) string {
	b := []byte(s)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}
