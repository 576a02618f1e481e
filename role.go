package mastership

import "fmt"

// Role is the role a controller connection holds on a device. The values
// match the OpenFlow 1.3 controller role constants.
type Role uint32

const (
	// RoleNoChange leaves the role untouched. Requesting it reports the
	// current role. It is also the role of a connection that never asked for
	// one.
	RoleNoChange Role = 0
	// RoleEqual has full access, shared with other EQUAL connections and the
	// master.
	RoleEqual Role = 1
	// RoleMaster has full access. At most one connection holds it.
	RoleMaster Role = 2
	// RoleSlave has read-only access.
	RoleSlave Role = 3
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r <= RoleSlave
}

func (r Role) String() string {
	switch r {
	case RoleNoChange:
		return "nochange"
	case RoleEqual:
		return "equal"
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return fmt.Sprintf("role(%d)", uint32(r))
	}
}

// ParseRole is the inverse of Role.String for valid roles.
func ParseRole(s string) (Role, error) {
	for r := RoleNoChange; r.Valid(); r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}
