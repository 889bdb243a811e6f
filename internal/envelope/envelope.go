// Package envelope implements the canonical message unit passed over the bus:
// payload plus routing, causal, and security headers. Every message is signed
// with an HMAC over a canonical byte representation that covers the routing
// metadata, so tampering with either payload or routing fails verification.
package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// Verification failure kinds. Each check fails closed with its own error so
// callers can map failures to telemetry and HTTP statuses without string
// matching.
var (
	ErrMissingSecurityHeaders = errors.New("missing security headers")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrClockSkewFuture        = errors.New("timestamp too far in the future")
	ErrClockSkewPast          = errors.New("timestamp too far in the past")
	ErrExpiredTimestamp       = errors.New("timestamp beyond replay window")
	ErrUnknownKey             = errors.New("unknown signing key")
	ErrDecode                 = errors.New("envelope decode error")
)

// canonicalSep separates canonical fields. The unit separator cannot appear
// in routing keys, sites, or content types, so field boundaries stay
// unambiguous no matter what the payload contains.
const canonicalSep = "\x1f"

// DefaultContentType is stamped on envelopes that do not declare one.
const DefaultContentType = "application/json"

// Headers carries routing and causal metadata.
type Headers struct {
	CorrelationID string           `json:"correlation_id"`
	Source        string           `json:"source"`
	TimestampMs   int64            `json:"timestamp_ms"`
	CausalVector  map[string]int64 `json:"causal_vector,omitempty"`
}

// Security carries the per-message anti-replay and integrity block.
type Security struct {
	Nonce       string `json:"nonce"`
	TimestampMs int64  `json:"timestamp_ms"`
	Site        string `json:"site"`
	Signature   string `json:"signature"`
	KeyID       string `json:"key_id"`
}

// Envelope is the universal bus unit.
type Envelope struct {
	ID          string   `json:"id"`
	RoutingKey  string   `json:"routing_key"`
	Exchange    string   `json:"exchange"`
	Type        string   `json:"type"`
	ContentType string   `json:"content_type"`
	Payload     []byte   `json:"payload"`
	Headers     Headers  `json:"headers"`
	Security    Security `json:"security"`
}

// RoutingMeta describes where an envelope is headed and how it is typed.
type RoutingMeta struct {
	Exchange      string
	RoutingKey    string
	Type          string
	ContentType   string // defaults to application/json
	CorrelationID string // generated if empty
	Source        string
	CausalVector  map[string]int64
}

// ReplayChecker is the ledger consulted during verification. CheckAndInsert
// must atomically reject a previously seen nonce and record a fresh one.
type ReplayChecker interface {
	CheckAndInsert(nonce string) error
}

// Codec enriches outbound payloads into signed envelopes and verifies
// inbound ones. Safe for concurrent use.
type Codec struct {
	keyring *Keyring
	ledger  ReplayChecker
	logger  zerolog.Logger

	site         string
	maxSkew      time.Duration
	replayWindow time.Duration

	now func() time.Time // test hook
}

// CodecConfig holds codec construction parameters.
type CodecConfig struct {
	Keyring      *Keyring
	Ledger       ReplayChecker
	Site         string
	MaxSkew      time.Duration
	ReplayWindow time.Duration
	Logger       zerolog.Logger
}

// NewCodec creates an envelope codec.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.Keyring == nil {
		return nil, fmt.Errorf("keyring is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("replay ledger is required")
	}
	if cfg.Site == "" {
		return nil, fmt.Errorf("site is required")
	}
	if cfg.MaxSkew <= 0 {
		return nil, fmt.Errorf("max skew must be > 0, got %s", cfg.MaxSkew)
	}
	if cfg.ReplayWindow <= 0 {
		return nil, fmt.Errorf("replay window must be > 0, got %s", cfg.ReplayWindow)
	}

	return &Codec{
		keyring:      cfg.Keyring,
		ledger:       cfg.Ledger,
		logger:       cfg.Logger.With().Str("component", "envelope").Logger(),
		site:         cfg.Site,
		maxSkew:      cfg.MaxSkew,
		replayWindow: cfg.ReplayWindow,
		now:          time.Now,
	}, nil
}

// Enrich wraps a payload into a signed envelope: fresh nonce, current wall
// timestamp, this node's site, the active key id, and an HMAC over the
// canonical representation.
func (c *Codec) Enrich(payload []byte, meta RoutingMeta) (*Envelope, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	nowMs := c.now().UnixMilli()
	keyID, secret := c.keyring.Active()

	env := &Envelope{
		ID:          uuid.NewString(),
		RoutingKey:  meta.RoutingKey,
		Exchange:    meta.Exchange,
		Type:        meta.Type,
		ContentType: contentType,
		Payload:     payload,
		Headers: Headers{
			CorrelationID: correlationID,
			Source:        meta.Source,
			TimestampMs:   nowMs,
			CausalVector:  meta.CausalVector,
		},
		Security: Security{
			Nonce:       nonce,
			TimestampMs: nowMs,
			Site:        c.site,
			KeyID:       keyID,
		},
	}
	env.Security.Signature = sign(secret, canonical(env))

	return env, nil
}

// Verify checks an inbound envelope. Checks run in a fixed order and each
// failure returns its own error kind:
//
//  1. presence of all security headers
//  2. clock-skew policy against the configured window
//  3. replay check against the nonce ledger
//  4. HMAC recomputation with the key named by key_id
//  5. constant-time signature comparison
func (c *Codec) Verify(env *Envelope) error {
	sec := env.Security
	if sec.Nonce == "" || sec.Site == "" || sec.Signature == "" || sec.KeyID == "" || sec.TimestampMs == 0 {
		monitoring.RecordVerification("missing_security_headers")
		return ErrMissingSecurityHeaders
	}

	now := c.now().UnixMilli()
	skewMs := now - sec.TimestampMs
	monitoring.RecordClockSkew(absFloat(skewMs))

	if skewMs < -c.maxSkew.Milliseconds() {
		monitoring.RecordVerification("clock_skew_future")
		return fmt.Errorf("%w: %dms ahead", ErrClockSkewFuture, -skewMs)
	}
	if skewMs > c.replayWindow.Milliseconds() {
		monitoring.RecordVerification("expired_timestamp")
		return fmt.Errorf("%w: %dms old", ErrExpiredTimestamp, skewMs)
	}
	if skewMs > c.maxSkew.Milliseconds() {
		monitoring.RecordVerification("clock_skew_past")
		return fmt.Errorf("%w: %dms behind", ErrClockSkewPast, skewMs)
	}

	if err := c.ledger.CheckAndInsert(sec.Nonce); err != nil {
		monitoring.RecordVerification("replay_detected")
		return err
	}

	secret, ok := c.keyring.Resolve(sec.KeyID)
	if !ok {
		monitoring.RecordVerification("unknown_key")
		return fmt.Errorf("%w: %q", ErrUnknownKey, sec.KeyID)
	}

	expected := sign(secret, canonical(env))
	if !hmac.Equal([]byte(expected), []byte(env.Security.Signature)) {
		monitoring.RecordVerification("invalid_signature")
		return ErrInvalidSignature
	}

	monitoring.RecordVerification("ok")
	return nil
}

// StripSecurity returns the payload exactly as it was enriched.
func (e *Envelope) StripSecurity() []byte {
	return e.Payload
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode deserializes a wire envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &env, nil
}

// canonical builds the byte string the HMAC covers. Routing metadata is
// included so a replayed payload cannot be redirected to another exchange or
// routing key without invalidating the signature.
func canonical(e *Envelope) []byte {
	ts := strconv.FormatInt(e.Security.TimestampMs, 10)

	buf := make([]byte, 0,
		len(e.Security.Nonce)+len(ts)+len(e.Security.Site)+len(e.Exchange)+
			len(e.RoutingKey)+len(e.ContentType)+len(e.Payload)+6)
	buf = append(buf, e.Security.Nonce...)
	buf = append(buf, canonicalSep...)
	buf = append(buf, ts...)
	buf = append(buf, canonicalSep...)
	buf = append(buf, e.Security.Site...)
	buf = append(buf, canonicalSep...)
	buf = append(buf, e.Exchange...)
	buf = append(buf, canonicalSep...)
	buf = append(buf, e.RoutingKey...)
	buf = append(buf, canonicalSep...)
	buf = append(buf, e.ContentType...)
	buf = append(buf, canonicalSep...)
	buf = append(buf, e.Payload...)
	return buf
}

// sign computes the hex HMAC-SHA256 of the canonical bytes.
func sign(secret []byte, canonicalBytes []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalBytes)
	return hex.EncodeToString(mac.Sum(nil))
}

// newNonce returns 16 random bytes hex-encoded (128 bits of entropy).
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func absFloat(ms int64) float64 {
	if ms < 0 {
		return float64(-ms)
	}
	return float64(ms)
}
