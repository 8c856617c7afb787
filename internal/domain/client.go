package domain

import "time"

// Client is the hub's presence record for one connected participant.
type Client struct {
	Identity
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time
}

func (c *Client) IsActive(timeout time.Duration) bool {
	if c.LastSeen.IsZero() {
		return false
	}
	return time.Since(c.LastSeen) < timeout
}

type ClientRepository interface {
	Save(client Client) error
	GetByID(id string) (Client, error)
	GetByRole(role Role) ([]Client, error)
	GetAll() ([]Client, error)
	Touch(id string, at time.Time) error
	Delete(id string) error
	ListStale(timeout time.Duration) ([]Client, error)
}

// Binding pairs a robot with the operator currently allowed to negotiate with it.
type Binding struct {
	RobotID    string    `json:"robotId"`
	OperatorID string    `json:"operatorId"`
	SessionID  string    `json:"sessionId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (b Binding) Involves(id string) bool {
	return b.RobotID == id || b.OperatorID == id
}

// Counterpart returns the other end of the binding.
func (b Binding) Counterpart(id string) string {
	if id == b.RobotID {
		return b.OperatorID
	}
	return b.RobotID
}
