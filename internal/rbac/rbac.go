package rbac

type Role string
type Action string

const (
	RoleVisitor Role = "visitor"
	// RolePageReader holds a valid access token for a protected page.
	RolePageReader Role = "page_reader"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead          Action = "read"
	ActionComment       Action = "comment"
	ActionReadProtected Action = "read_protected"
	ActionProvision     Action = "provision"
	ActionMigrate       Action = "migrate"
	ActionReconcile     Action = "reconcile"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePageReader:
		return action == ActionRead || action == ActionComment || action == ActionReadProtected
	case RoleVisitor:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleVisitor, RolePageReader, RoleAdmin:
		return Role(role)
	default:
		return RoleVisitor
	}
}
