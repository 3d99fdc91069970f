package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Signer computes HMAC-SHA256 signatures over the immutable fields of an event.
type Signer struct {
	secretKey []byte
}

// NewSigner creates a Signer. An empty key yields a random per-process key,
// so signatures remain verifiable by this process only.
func NewSigner(secretKey string) *Signer {
	key := []byte(secretKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &Signer{secretKey: key}
}

// Sign hashes the signed fields, each prefixed with its length so that
// shifting bytes between adjacent fields changes the signature.
func (s *Signer) Sign(ev model.AuditEvent) string {
	h := hmac.New(sha256.New, s.secretKey)
	for _, field := range signedFields(ev) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func signedFields(ev model.AuditEvent) []string {
	return []string{
		ev.ID,
		ev.Timestamp.Format(time.RFC3339Nano),
		ev.ActorKey,
		ev.EventType,
		ev.Endpoint,
		ev.Method,
		string(ev.RiskLevel),
		ev.Result,
	}
}

func (s *Signer) Verify(ev model.AuditEvent) bool {
	expected := s.Sign(ev)
	return hmac.Equal([]byte(expected), []byte(ev.Signature))
}
