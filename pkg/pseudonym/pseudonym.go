// Package pseudonym derives stable, one-way per-tenant surrogate ids for
// labelers (§4.10).
package pseudonym

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

const (
	prefix      = "labeler_"
	truncateLen = 16
)

// Generator derives pseudonyms with a fixed secret. Rotating the secret
// breaks lineage across prior exports; that is an explicit operator
// action, not something this package guards against.
type Generator struct {
	secret []byte
}

// New creates a Generator bound to secret. An empty secret is not
// rejected, here or by the callers in internal/app and internal/seed.
func New(secret []byte) *Generator {
	return &Generator{secret: secret}
}

// Pseudonym computes "labeler_" + hex(HMAC-SHA256(secret, tenant||":"||external_id)).truncate(16).
func (g *Generator) Pseudonym(tenant uuid.UUID, externalID string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(tenant.String()))
	mac.Write([]byte(":"))
	mac.Write([]byte(externalID))
	sum := hex.EncodeToString(mac.Sum(nil))
	if len(sum) > truncateLen {
		sum = sum[:truncateLen]
	}
	return prefix + sum
}
