package acl

import (
	"testing"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
)

func TestCheckTenantMismatch(t *testing.T) {
	tenantA, tenantB := uuid.New(), uuid.New()
	caller := Caller{Tenant: tenantA, MembershipOK: true, QueueRole: storage.MemberOwner}

	err := Check(caller, tenantB, ActionSubmit)
	if !anvilerr.Is(err, anvilerr.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err.(*anvilerr.Error).Reason != "tenant_mismatch" {
		t.Errorf("reason = %q, want tenant_mismatch", err.(*anvilerr.Error).Reason)
	}
}

func TestCheckPlatformAdminBypassesTenant(t *testing.T) {
	caller := Caller{Tenant: uuid.New(), IsPlatform: true}
	if err := Check(caller, uuid.New(), ActionExport); err != nil {
		t.Errorf("platform admin should bypass tenant scoping, got %v", err)
	}
}

func TestCheckRolePermissions(t *testing.T) {
	tenant := uuid.New()

	tests := []struct {
		name    string
		role    storage.MembershipRole
		action  Action
		wantErr bool
	}{
		{"labeler can submit", storage.MemberLabeler, ActionSubmit, false},
		{"labeler cannot export", storage.MemberLabeler, ActionExport, true},
		{"reviewer can export", storage.MemberReviewer, ActionExport, false},
		{"reviewer cannot manage memberships", storage.MemberReviewer, ActionManageMemberships, true},
		{"owner can manage memberships", storage.MemberOwner, ActionManageMemberships, false},
		{"owner can archive queue", storage.MemberOwner, ActionArchiveQueue, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := Caller{Tenant: tenant, MembershipOK: true, QueueRole: tt.role}
			err := Check(caller, tenant, tt.action)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckNoActiveMembership(t *testing.T) {
	tenant := uuid.New()
	caller := Caller{Tenant: tenant, MembershipOK: false}
	err := Check(caller, tenant, ActionSubmit)
	if !anvilerr.Is(err, anvilerr.Forbidden) {
		t.Errorf("expected forbidden for no active membership, got %v", err)
	}
}
