package domain

import (
	"github.com/google/uuid"
)

// Role is the coarse role of a principal
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is an authenticated caller
type Principal struct {
	ID    uuid.UUID
	Role  Role
	Email string
}

// IsAdmin reports whether the principal holds the admin role
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanAccess decides whether a principal may read a record.
// Admin and owner checks come first so they are never denied by the
// allow-list of their own restricted or private file.
func CanAccess(record *FileRecord, principalID uuid.UUID, role Role) bool {
	if record == nil {
		return false
	}
	if role == RoleAdmin {
		return true
	}
	if record.OwnerID == principalID {
		return true
	}
	if record.Visibility == VisibilityPublic {
		return true
	}
	if record.Visibility == VisibilityRestricted && record.Allows(principalID) {
		return true
	}
	return false
}

// CanManage reports whether a principal may change or delete a record
func CanManage(record *FileRecord, p Principal) bool {
	if record == nil {
		return false
	}
	return p.IsAdmin() || record.OwnerID == p.ID
}

// AccessFilter is the query shape for listing readable records.
// Admins see every active record; others see active records they own,
// active public records, and active restricted records listing them.
type AccessFilter struct {
	PrincipalID uuid.UUID
	Role        Role
	FileIDs     []uuid.UUID // optional narrowing to a requested set
}

// NewAccessFilter builds the filter for p
func NewAccessFilter(p Principal, fileIDs ...uuid.UUID) AccessFilter {
	return AccessFilter{PrincipalID: p.ID, Role: p.Role, FileIDs: fileIDs}
}

// Matches evaluates the filter against a single record in memory
func (f AccessFilter) Matches(record *FileRecord) bool {
	if record == nil || !record.Active {
		return false
	}
	if len(f.FileIDs) > 0 && !containsID(f.FileIDs, record.FileID) {
		return false
	}
	return CanAccess(record, f.PrincipalID, f.Role)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
