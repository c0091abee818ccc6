package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type modelPermission int // Private so that no other permissions can be defined

const (
	NoPermission    modelPermission = 0
	ReadPermission  modelPermission = 1
	WritePermission modelPermission = 2
	OwnerPermission modelPermission = 3
)

func (perm modelPermission) String() string {
	switch perm {
	case NoPermission:
		return "None"
	case ReadPermission:
		return "Read"
	case WritePermission:
		return "Write"
	case OwnerPermission:
		return "Owner"
	default:
		return "invalid permission"
	}
}

func permissionFromString(perm string) modelPermission {
	switch perm {
	case schema.ReadPerm:
		return ReadPermission
	case schema.WritePerm:
		return WritePermission
	default:
		return NoPermission
	}
}

// ActionPermission maps an action (read or write) to the permission it needs.
func ActionPermission(action string) (modelPermission, error) {
	if err := schema.CheckValidPermission(action); err != nil {
		return NoPermission, err
	}
	return permissionFromString(action), nil
}

// permissionFacts are the stored facts about a principal and a model that
// decide the principal's permission on the model.
type permissionFacts struct {
	authenticated bool
	inKeyScope    bool

	isAdmin bool
	isOwner bool

	// Empty if there is no explicit permission row.
	explicit string

	teamMember bool
	teamAdmin  bool

	access            string
	defaultPermission string
}

// resolvePermission combines the rules into the principal's permission level.
// Rules after the admin check each produce a candidate level and the result is
// the highest, so adding a grant can never lower the result.
func resolvePermission(f permissionFacts) modelPermission {
	if !f.inKeyScope {
		return NoPermission
	}

	if f.isAdmin {
		return OwnerPermission
	}

	perm := NoPermission
	raise := func(p modelPermission) {
		if p > perm {
			perm = p
		}
	}

	if f.isOwner {
		raise(OwnerPermission)
	}

	raise(permissionFromString(f.explicit))

	if f.teamAdmin {
		raise(WritePermission)
	} else if f.teamMember {
		raise(permissionFromString(f.defaultPermission))
	}

	switch f.access {
	case schema.Public:
		raise(ReadPermission)
	case schema.Protected:
		if f.authenticated {
			raise(ReadPermission)
		}
	}

	return perm
}

type Authorizer struct {
	db *gorm.DB
}

func NewAuthorizer(db *gorm.DB) *Authorizer {
	return &Authorizer{db: db}
}

func (a *Authorizer) facts(ctx context.Context, principal Principal, modelId uuid.UUID) (permissionFacts, error) {
	db := a.db.WithContext(ctx)

	model, err := schema.GetModel(modelId, db, false, false, false)
	if err != nil {
		return permissionFacts{}, err
	}

	f := permissionFacts{
		authenticated:     principal.Authenticated(),
		inKeyScope:        principal.APIKey == nil || principal.APIKey.InScope(modelId),
		access:            model.Access,
		defaultPermission: model.DefaultPermission,
	}

	if !principal.Authenticated() {
		return f, nil
	}

	user := principal.User
	f.isAdmin = user.IsAdmin
	f.isOwner = model.UserId == user.Id

	explicit, err := schema.GetModelPermission(modelId, user.Id, db)
	if err != nil {
		return permissionFacts{}, err
	}
	if explicit != nil {
		f.explicit = explicit.Permission
	}

	if model.TeamId != nil {
		userTeam, err := schema.GetUserTeam(*model.TeamId, user.Id, db)
		if err != nil && !errors.Is(err, schema.ErrUserTeamNotFound) {
			return permissionFacts{}, err
		}
		if err == nil {
			f.teamMember = true
			f.teamAdmin = userTeam.IsTeamAdmin
		}
	}

	return f, nil
}

// Permission returns the principal's permission level on the model.
func (a *Authorizer) Permission(ctx context.Context, principal Principal, modelId uuid.UUID) (modelPermission, error) {
	f, err := a.facts(ctx, principal, modelId)
	if err != nil {
		return NoPermission, err
	}
	return resolvePermission(f), nil
}

// Authorize reports whether the principal may perform action (read or write)
// on the model.
func (a *Authorizer) Authorize(ctx context.Context, principal Principal, modelId uuid.UUID, action string) (bool, error) {
	required, err := ActionPermission(action)
	if err != nil {
		return false, err
	}

	perm, err := a.Permission(ctx, principal, modelId)
	if err != nil {
		return false, fmt.Errorf("error authorizing %v on model %v: %w", action, modelId, err)
	}

	return perm >= required, nil
}
