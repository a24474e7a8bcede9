package account

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnauthorized is returned when the caller is neither the owner nor the orchestrator.
var ErrUnauthorized = errors.New("caller is not owner or orchestrator")

// Role is the access path a call came through.
type Role uint8

const (
	// RoleOwner is a direct call by the account owner.
	RoleOwner Role = iota + 1

	// RoleOrchestrator is a call relayed for a validated operation.
	RoleOrchestrator
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleOrchestrator:
		return "orchestrator"
	default:
		return "none"
	}
}

// ResolveRole maps a caller to its role for an account.
func ResolveRole(caller, owner, orchestrator common.Address) (Role, error) {
	switch caller {
	case orchestrator:
		return RoleOrchestrator, nil
	case owner:
		return RoleOwner, nil
	default:
		return 0, ErrUnauthorized
	}
}
