package domain

import "fmt"

// Role decides which side of a pairing a participant plays. A robot streams
// media and opens the data channel, an operator answers and receives.
type Role string

const (
	RoleRobot    Role = "robot"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	return r == RoleRobot || r == RoleOperator
}

// Opposite is the role on the other end of a pairing.
func (r Role) Opposite() Role {
	switch r {
	case RoleRobot:
		return RoleOperator
	case RoleOperator:
		return RoleRobot
	}
	return r
}

func (r Role) String() string {
	return string(r)
}

// Identity is carried by every participant and never changes for the
// lifetime of its connection.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

func (i Identity) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidIdentity)
	}
	if !i.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, i.Role)
	}
	return nil
}

func (i Identity) IsRobot() bool {
	return i.Role == RoleRobot
}

func (i Identity) String() string {
	if i.Name == "" {
		return i.ID
	}
	return fmt.Sprintf("%s (%s)", i.Name, i.ID)
}
