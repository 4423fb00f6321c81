package pseudonym

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestPseudonymStability(t *testing.T) {
	g := New([]byte("test-secret"))
	tenant := uuid.New()

	first := g.Pseudonym(tenant, "ext-1")
	second := g.Pseudonym(tenant, "ext-1")
	if first != second {
		t.Errorf("Pseudonym is not stable: %q != %q", first, second)
	}
	if !strings.HasPrefix(first, "labeler_") {
		t.Errorf("Pseudonym() = %q, want labeler_ prefix", first)
	}
}

func TestPseudonymVariesByTenant(t *testing.T) {
	g := New([]byte("test-secret"))
	t1, t2 := uuid.New(), uuid.New()

	p1 := g.Pseudonym(t1, "ext-1")
	p2 := g.Pseudonym(t2, "ext-1")
	if p1 == p2 {
		t.Errorf("expected different pseudonyms across tenants, got %q for both", p1)
	}
}

func TestPseudonymVariesBySecret(t *testing.T) {
	tenant := uuid.New()
	p1 := New([]byte("secret-a")).Pseudonym(tenant, "ext-1")
	p2 := New([]byte("secret-b")).Pseudonym(tenant, "ext-1")
	if p1 == p2 {
		t.Errorf("expected rotating the secret to change the pseudonym")
	}
}
