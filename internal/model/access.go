package model

// AccessRole is the RBAC role carried in a caller's token.
type AccessRole string

const (
	AccessAdmin AccessRole = "admin"
	AccessUser  AccessRole = "user"
)

// AccessRank returns the numeric rank of a role (higher = more privileges).
func AccessRank(r AccessRole) int {
	switch r {
	case AccessAdmin:
		return 2
	case AccessUser:
		return 1
	default:
		return 0
	}
}

// AccessAtLeast reports whether role r has at least the privileges of min.
func AccessAtLeast(r, min AccessRole) bool {
	return AccessRank(r) >= AccessRank(min) && AccessRank(r) > 0
}
