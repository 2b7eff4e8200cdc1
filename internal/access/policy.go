package access

import (
	"fmt"
	"slices"

	"github.com/code19m/errx"
)

// Operation is an action a principal attempts on the catalog.
type Operation string

const (
	OpCreate     Operation = "create"
	OpReplace    Operation = "replace"
	OpDelete     Operation = "delete"
	OpRead       Operation = "read"
	OpList       Operation = "list"
	OpListPublic Operation = "list_public"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnauthenticated Reason = "not authenticated"
	ReasonInsufficient    Reason = "insufficient role"
	ReasonNotVisible      Reason = "item is not public"
	ReasonUnknownOp       Reason = "unknown operation"
)

const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
)

// Resource is the part of an item the policy looks at.
type Resource struct {
	Public bool
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var writeRoles = map[Operation][]Role{
	OpCreate:  {RoleAdmin, RoleModerator, RoleEditor},
	OpReplace: {RoleAdmin, RoleModerator},
	OpDelete:  {RoleAdmin},
	OpList:    {RoleAdmin, RoleModerator, RoleEditor},
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason) Decision { return Decision{Reason: r} }

// Evaluate applies the policy table. res may be nil for operations that
// do not target a single item.
func Evaluate(p Principal, op Operation, res *Resource) Decision {
	switch op {
	case OpListPublic:
		return allow()
	case OpRead:
		if res != nil && res.Public {
			return allow()
		}
		if p.Authenticated() {
			return allow()
		}
		return deny(ReasonNotVisible)
	}

	roles, ok := writeRoles[op]
	if !ok {
		return deny(ReasonUnknownOp)
	}
	if !p.Authenticated() {
		return deny(ReasonUnauthenticated)
	}
	if !slices.Contains(roles, p.Role) {
		return deny(ReasonInsufficient)
	}
	return allow()
}

// Authorize is Evaluate turned into an error: nil when allowed, otherwise an
// UNAUTHORIZED or FORBIDDEN errx error.
func Authorize(p Principal, op Operation, res *Resource) error {
	d := Evaluate(p, op, res)
	if d.Allowed {
		return nil
	}

	details := errx.D{"operation": string(op), "principal": p.String(), "reason": string(d.Reason)}
	if d.Reason == ReasonUnauthenticated {
		return errx.New("not logged in",
			errx.WithCode(CodeUnauthorized),
			errx.WithType(errx.T_Authentication),
			errx.WithDetails(details),
		)
	}
	return errx.New(fmt.Sprintf("access denied: %s", d.Reason),
		errx.WithCode(CodeForbidden),
		errx.WithType(errx.T_Forbidden),
		errx.WithDetails(details),
	)
}

// IsDenied reports whether err is a policy denial of either kind.
func IsDenied(err error) bool {
	return errx.IsCodeIn(err, CodeUnauthorized, CodeForbidden)
}
