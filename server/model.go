package server

// Identity is the authenticated GitHub account. It is fetched fresh on every flow.
type Identity struct {
	Login string
	ID    int64
}

// PermissionLevel is a collaborator's access tier on a repository.
type PermissionLevel string

const (
	PermissionNone     PermissionLevel = "none"
	PermissionRead     PermissionLevel = "read"
	PermissionWrite    PermissionLevel = "write"
	PermissionMaintain PermissionLevel = "maintain"
	PermissionAdmin    PermissionLevel = "admin"
)

// Sufficient reports whether the level may edit content. Unknown levels are insufficient.
func (l PermissionLevel) Sufficient() bool {
	switch l {
	case PermissionAdmin, PermissionWrite, PermissionMaintain:
		return true
	default:
		return false
	}
}

// Callback holds the query parameters GitHub sends back to /callback.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	StateCookie      string
}
