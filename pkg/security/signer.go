// Package security signs and verifies bus envelopes with HMAC-SHA256.
//
// The bus offers no authentication of its own, so the signature is the only
// integrity and authenticity boundary between processes.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/islandgate/pkg/protocol"
)

// DefaultWindow is the accepted clock skew between signer and verifier.
const DefaultWindow = 30 * time.Second

// Signer stamps and checks envelope signatures with a shared secret.
// It is safe for concurrent use.
type Signer struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer. A non-positive window disables the timestamp check.
func NewSigner(secret []byte, window time.Duration) *Signer {
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key, window: window, now: time.Now}
}

// WithClock returns a copy of the signer that reads time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

// Sign stamps Ts, Nonce and Sig on env. The envelope must not be mutated afterwards.
func (s *Signer) Sign(env *protocol.Envelope) {
	env.Ts = s.now().UnixMilli()
	env.Nonce = uuid.NewString()
	env.Sig = s.compute(env)
}

// Verify reports whether env carries a valid signature made with this
// signer's secret inside the acceptance window. It never fails loudly.
func (s *Signer) Verify(env *protocol.Envelope) bool {
	if env == nil || env.Sig == "" {
		return false
	}
	// Compared in hex form: decoding would accept upper-case digits and let
	// a flipped case bit through.
	if !hmac.Equal([]byte(env.Sig), []byte(s.compute(env))) {
		return false
	}
	if s.window > 0 {
		skew := s.now().Sub(time.UnixMilli(env.Ts))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.window {
			return false
		}
	}
	return true
}

// compute returns the hex HMAC over the canonical form of env. Every field
// is length-prefixed so no two distinct envelopes share a canonical form.
func (s *Signer) compute(env *protocol.Envelope) string {
	mac := hmac.New(sha256.New, s.secret)
	writeField(mac, env.V)
	writeField(mac, string(env.Kind))
	writeField(mac, env.ID)
	writeField(mac, env.Op)
	writeField(mac, env.Actor)
	writeField(mac, env.Enc)
	writeBytes(mac, env.Data)
	switch {
	case env.Ok == nil:
		writeField(mac, "")
	case *env.Ok:
		writeField(mac, "1")
	default:
		writeField(mac, "0")
	}
	if env.Error != nil {
		writeField(mac, "E")
		writeField(mac, env.Error.Code)
		writeField(mac, env.Error.Message)
		writeField(mac, strconv.FormatBool(env.Error.Retryable))
	} else {
		writeField(mac, "")
	}
	writeField(mac, strconv.FormatInt(env.Ts, 10))
	writeField(mac, env.Nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	writeBytes(h, []byte(s))
}

func writeBytes(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
