package api

import (
	"errors"
	"fmt"
	"sort"

	"github.com/irdkwmnsb/robolink/internal/domain"
)

type ErrorCode string

const (
	ErrorCodeNotFound         = ErrorCode("not_found")
	ErrorCodeUnknownPeer      = ErrorCode("unknown_peer")
	ErrorCodeNotBound         = ErrorCode("not_bound")
	ErrorCodeTransportBusy    = ErrorCode("transport_busy")
	ErrorCodeNotRegistered    = ErrorCode("not_registered")
	ErrorCodeInvalidIdentity  = ErrorCode("invalid_identity")
	ErrorCodeUnsupportedEvent = ErrorCode("unsupported_event")
	ErrorCodeForbidden        = ErrorCode("forbidden")
	ErrorCodeBadRequest       = ErrorCode("bad_request")
	ErrorCodeInternal         = ErrorCode("internal")
)

var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{domain.ErrNotFound, ErrorCodeNotFound},
	{domain.ErrUnknownPeer, ErrorCodeUnknownPeer},
	{domain.ErrNotBound, ErrorCodeNotBound},
	{domain.ErrTransportBusy, ErrorCodeTransportBusy},
	{domain.ErrNotRegistered, ErrorCodeNotRegistered},
	{domain.ErrInvalidIdentity, ErrorCodeInvalidIdentity},
	{domain.ErrUnsupportedEvent, ErrorCodeUnsupportedEvent},
	{domain.ErrForbidden, ErrorCodeForbidden},
	{domain.ErrBadRequest, ErrorCodeBadRequest},
}

func CodeOf(err error) ErrorCode {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ErrorCodeInternal
}

func NewErrorMessage(event Event, err error) Message {
	return Message{
		Event: EventError,
		Error: &ErrorMessage{Code: CodeOf(err), Message: err.Error(), Event: event},
	}
}

// Err turns a received error event back into an error matching the domain
// sentinel for its code.
func (m *ErrorMessage) Err() error {
	for _, e := range errorCodes {
		if e.code == m.Code {
			return fmt.Errorf("%w: %s", e.err, m.Message)
		}
	}
	return fmt.Errorf("hub error %s: %s", m.Code, m.Message)
}

// RobotList orders robots by connection time, then id, so every operator
// sees the same sequence.
func RobotList(clients []domain.Client) []RobotInfo {
	sorted := make([]domain.Client, 0, len(clients))
	for _, c := range clients {
		if c.Role == domain.RoleRobot {
			sorted = append(sorted, c)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ConnectedAt.Equal(sorted[j].ConnectedAt) {
			return sorted[i].ConnectedAt.Before(sorted[j].ConnectedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	robots := make([]RobotInfo, 0, len(sorted))
	for _, c := range sorted {
		robots = append(robots, RobotInfo{ID: c.ID, Name: c.Name})
	}
	return robots
}
