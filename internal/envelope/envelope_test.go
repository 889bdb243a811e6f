package envelope

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeLedger tracks nonces in a plain map, enough to exercise the verify
// ordering without dragging in the real bloom-backed ledger.
type fakeLedger struct {
	seen map[string]bool
	err  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: make(map[string]bool)}
}

func (f *fakeLedger) CheckAndInsert(nonce string) error {
	if f.err != nil {
		return f.err
	}
	if f.seen[nonce] {
		return fmt.Errorf("replay detected: nonce %q", nonce)
	}
	f.seen[nonce] = true
	return nil
}

func newTestCodec(t *testing.T) (*Codec, *fakeLedger) {
	t.Helper()
	keyring, err := NewKeyring("k1", []byte("test-secret"))
	require.NoError(t, err)

	ledger := newFakeLedger()
	codec, err := NewCodec(CodecConfig{
		Keyring:      keyring,
		Ledger:       ledger,
		Site:         "node-a",
		MaxSkew:      30 * time.Second,
		ReplayWindow: 90 * time.Second,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return codec, ledger
}

func testMeta() RoutingMeta {
	return RoutingMeta{
		Exchange:   "cyb.events",
		RoutingKey: "s1.echo",
		Type:       "echo",
		Source:     "test",
	}
}

// TestEnrichVerifyRoundTrip covers the fundamental law: a freshly enriched
// envelope verifies, and stripping the security headers yields the original
// payload.
func TestEnrichVerifyRoundTrip(t *testing.T) {
	codec, _ := newTestCodec(t)

	payload := []byte(`{"msg":"hi"}`)
	env, err := codec.Enrich(payload, testMeta())
	require.NoError(t, err)

	require.NotEmpty(t, env.ID)
	require.Len(t, env.Security.Nonce, 32, "nonce should be 16 bytes hex-encoded")
	require.Equal(t, "node-a", env.Security.Site)
	require.Equal(t, "k1", env.Security.KeyID)
	require.Equal(t, DefaultContentType, env.ContentType)
	require.NotEmpty(t, env.Headers.CorrelationID)

	require.NoError(t, codec.Verify(env))
	require.Equal(t, payload, env.StripSecurity())
}

// TestVerifyRejectsTampering mutates each signed field in turn and checks
// that verification fails for every one of them.
func TestVerifyRejectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"payload", func(e *Envelope) { e.Payload = []byte(`{"msg":"evil"}`) }},
		{"routing key", func(e *Envelope) { e.RoutingKey = "s5.policy.bypass" }},
		{"exchange", func(e *Envelope) { e.Exchange = "cyb.commands" }},
		{"nonce", func(e *Envelope) { e.Security.Nonce = "00000000000000000000000000000000" }},
		{"timestamp", func(e *Envelope) { e.Security.TimestampMs += 1000 }},
		{"content type", func(e *Envelope) { e.ContentType = "text/plain" }},
		{"site", func(e *Envelope) { e.Security.Site = "node-b" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, _ := newTestCodec(t)
			env, err := codec.Enrich([]byte(`{"msg":"hi"}`), testMeta())
			require.NoError(t, err)

			tt.mutate(env)
			require.Error(t, codec.Verify(env))
		})
	}
}

// TestVerifyReplay verifies the second presentation of an identical envelope
// is rejected by the ledger step.
func TestVerifyReplay(t *testing.T) {
	codec, _ := newTestCodec(t)

	env, err := codec.Enrich([]byte(`{"msg":"hi"}`), testMeta())
	require.NoError(t, err)

	require.NoError(t, codec.Verify(env))
	err = codec.Verify(env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "replay")
}

// TestVerifyMissingHeaders checks every absent security header fails closed
// before any other check runs.
func TestVerifyMissingHeaders(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"nonce", func(e *Envelope) { e.Security.Nonce = "" }},
		{"site", func(e *Envelope) { e.Security.Site = "" }},
		{"signature", func(e *Envelope) { e.Security.Signature = "" }},
		{"key id", func(e *Envelope) { e.Security.KeyID = "" }},
		{"timestamp", func(e *Envelope) { e.Security.TimestampMs = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, _ := newTestCodec(t)
			env, err := codec.Enrich([]byte("x"), testMeta())
			require.NoError(t, err)

			tt.mutate(env)
			require.ErrorIs(t, codec.Verify(env), ErrMissingSecurityHeaders)
		})
	}
}

// TestClockSkewPolicy pins the acceptance boundary: exactly max_skew is
// accepted, one millisecond past it is rejected, and the past side
// distinguishes skew from expiry.
func TestClockSkewPolicy(t *testing.T) {
	const maxSkew = 30 * time.Second
	const window = 90 * time.Second
	base := time.Now()

	tests := []struct {
		name    string
		shift   time.Duration // applied to the envelope timestamp
		wantErr error         // nil means accepted
	}{
		{"future at boundary", maxSkew, nil},
		{"future beyond boundary", maxSkew + time.Millisecond, ErrClockSkewFuture},
		{"past at boundary", -maxSkew, nil},
		{"past beyond skew", -(maxSkew + time.Millisecond), ErrClockSkewPast},
		{"past beyond window", -(window + time.Millisecond), ErrExpiredTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, _ := newTestCodec(t)
			codec.now = func() time.Time { return base.Add(tt.shift) }
			env, err := codec.Enrich([]byte("x"), testMeta())
			require.NoError(t, err)

			codec.now = func() time.Time { return base }
			err = codec.Verify(env)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

// TestKeyRotation verifies envelopes signed before a rotation still verify
// via the prior key while new envelopes use the rotated key.
func TestKeyRotation(t *testing.T) {
	codec, _ := newTestCodec(t)

	oldEnv, err := codec.Enrich([]byte("before"), testMeta())
	require.NoError(t, err)

	require.NoError(t, codec.keyring.Rotate("k2", []byte("fresh-secret")))
	require.Equal(t, "k2", codec.keyring.ActiveKeyID())

	newEnv, err := codec.Enrich([]byte("after"), testMeta())
	require.NoError(t, err)
	require.Equal(t, "k2", newEnv.Security.KeyID)

	require.NoError(t, codec.Verify(oldEnv), "pre-rotation envelope should verify via prior key")
	require.NoError(t, codec.Verify(newEnv))
}

// TestVerifyUnknownKey checks an unresolvable key id fails with its own kind.
func TestVerifyUnknownKey(t *testing.T) {
	codec, _ := newTestCodec(t)
	env, err := codec.Enrich([]byte("x"), testMeta())
	require.NoError(t, err)

	env.Security.KeyID = "k99"
	require.ErrorIs(t, codec.Verify(env), ErrUnknownKey)
}

// TestEncodeDecodeIdentity covers the wire round trip.
func TestEncodeDecodeIdentity(t *testing.T) {
	codec, _ := newTestCodec(t)
	env, err := codec.Enrich([]byte(`{"k":"v"}`), RoutingMeta{
		Exchange:     "cyb.events",
		RoutingKey:   "s4.intelligence.analyze",
		Type:         "vsm.s4.analyze",
		Source:       "gateway",
		CausalVector: map[string]int64{"node-a": 3},
	})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, env, decoded)
	require.NoError(t, codec.Verify(decoded))
}

// TestDecodeGarbage checks malformed wire bytes map to the decode error kind.
func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.ErrorIs(t, err, ErrDecode)
}

// TestNonceUniqueness spot-checks that consecutive envelopes never share a
// nonce.
func TestNonceUniqueness(t *testing.T) {
	codec, _ := newTestCodec(t)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		env, err := codec.Enrich([]byte("x"), testMeta())
		require.NoError(t, err)
		require.False(t, seen[env.Security.Nonce], "duplicate nonce %q", env.Security.Nonce)
		seen[env.Security.Nonce] = true
	}
}
