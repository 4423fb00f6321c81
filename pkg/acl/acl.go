// Package acl implements the capability gate table from §4.9: every core
// call carries {caller_labeler, tenant}, and is checked against the
// queue's tenant and the caller's active QueueMembership role.
package acl

import (
	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
)

// Action is one of the gated operations from §4.9's capability table.
type Action string

const (
	ActionRequestAssignment Action = "request_assignment"
	ActionSubmit            Action = "submit"
	ActionSkip              Action = "skip"
	ActionReadLabels        Action = "read_labels"
	ActionExport            Action = "export"
	ActionManageMemberships Action = "manage_memberships"
	ActionArchiveQueue      Action = "archive_queue"
)

// allowedRoles maps each Action to the set of active QueueMembership roles
// permitted to perform it (§4.9's table). PlatformAdmin bypasses this table
// entirely for cross-tenant actions, per the table's final row.
var allowedRoles = map[Action]map[storage.MembershipRole]bool{
	ActionRequestAssignment: {storage.MemberLabeler: true, storage.MemberReviewer: true, storage.MemberOwner: true},
	ActionSubmit:            {storage.MemberLabeler: true, storage.MemberReviewer: true, storage.MemberOwner: true},
	ActionSkip:              {storage.MemberLabeler: true, storage.MemberReviewer: true, storage.MemberOwner: true},
	ActionReadLabels:        {storage.MemberReviewer: true, storage.MemberOwner: true},
	ActionExport:            {storage.MemberReviewer: true, storage.MemberOwner: true},
	ActionManageMemberships: {storage.MemberOwner: true},
	ActionArchiveQueue:      {storage.MemberOwner: true},
}

// Caller is the resolved identity behind a core call.
type Caller struct {
	LabelerID    uuid.UUID
	Tenant       uuid.UUID
	IsPlatform   bool // platform admin: bypasses tenant scoping
	QueueRole    storage.MembershipRole
	MembershipOK bool // true if an active QueueMembership was resolved
}

// Check enforces tenant scoping then the capability table for action. A
// tenant mismatch always yields forbidden(tenant_mismatch) unless the
// caller is a platform admin (§4.9's final row).
func Check(caller Caller, queueTenant uuid.UUID, action Action) error {
	if caller.Tenant != queueTenant && !caller.IsPlatform {
		return anvilerr.ForbiddenReason("tenant_mismatch")
	}
	if caller.IsPlatform {
		return nil
	}
	if !caller.MembershipOK {
		return anvilerr.ForbiddenReason("no_active_membership")
	}
	roles, ok := allowedRoles[action]
	if !ok || !roles[caller.QueueRole] {
		return anvilerr.ForbiddenReason("role_not_permitted")
	}
	return nil
}
