package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectAccount     = "account"
	ObjectBalance     = "balance"
	ObjectReservation = "reservation"
	ObjectUsage       = "usage"
	ObjectAPIKey      = "api_key"
)

const (
	ActionAccountCreate = "account.create"
	ActionAccountBonus  = "account.bonus"

	ActionBalanceView    = "balance.view"
	ActionBalanceCheck   = "balance.check"
	ActionBalanceConsume = "balance.consume"

	ActionReservationCreate = "reservation.create"
	ActionReservationSettle = "reservation.settle"

	ActionUsageView      = "usage.view"
	ActionUsageStatement = "usage.statement"

	ActionAPIKeyView   = "api_key.view"
	ActionAPIKeyCreate = "api_key.create"
	ActionAPIKeyRotate = "api_key.rotate"
	ActionAPIKeyRevoke = "api_key.revoke"
)

const (
	RoleService  = "role:service"
	RoleBilling  = "role:billing"
	RoleOperator = "role:operator"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from the casbin_rule table, creating it when
// missing, and makes sure the built-in role policies are present.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, subject string, role string, object string, action string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrInvalidSubject
	}
	roleName, err := roleFor(role)
	if err != nil {
		return err
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization.denied",
			zap.String("subject", subject),
			zap.String("role", roleName),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}

	if shouldLogGrant(action) {
		s.log.Info("authorization.granted",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
	}
	return nil
}

func roleFor(role string) (string, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return "", ErrInvalidRole
	}
	roleName := "role:" + strings.TrimPrefix(role, "role:")
	switch roleName {
	case RoleService, RoleBilling, RoleOperator:
		return roleName, nil
	default:
		return "", ErrInvalidRole
	}
}

// ensureGrouping keeps exactly one role link per subject, so a key whose
// role changed loses the old role's permissions.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func shouldLogGrant(action string) bool {
	switch action {
	case ActionAPIKeyCreate, ActionAPIKeyRotate, ActionAPIKeyRevoke:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Inference backends
		{RoleService, ObjectBalance, ActionBalanceView},
		{RoleService, ObjectBalance, ActionBalanceCheck},
		{RoleService, ObjectBalance, ActionBalanceConsume},
		{RoleService, ObjectAccount, ActionAccountBonus},
		{RoleService, ObjectReservation, ActionReservationCreate},
		{RoleService, ObjectReservation, ActionReservationSettle},

		// Billing and support tooling
		{RoleBilling, ObjectAccount, ActionAccountCreate},
		{RoleBilling, ObjectAccount, ActionAccountBonus},
		{RoleBilling, ObjectBalance, ActionBalanceView},
		{RoleBilling, ObjectUsage, ActionUsageView},
		{RoleBilling, ObjectUsage, ActionUsageStatement},
	}

	operator := [][2]string{
		{ObjectAccount, ActionAccountCreate},
		{ObjectAccount, ActionAccountBonus},
		{ObjectBalance, ActionBalanceView},
		{ObjectBalance, ActionBalanceCheck},
		{ObjectBalance, ActionBalanceConsume},
		{ObjectReservation, ActionReservationCreate},
		{ObjectReservation, ActionReservationSettle},
		{ObjectUsage, ActionUsageView},
		{ObjectUsage, ActionUsageStatement},
		{ObjectAPIKey, ActionAPIKeyView},
		{ObjectAPIKey, ActionAPIKeyCreate},
		{ObjectAPIKey, ActionAPIKeyRotate},
		{ObjectAPIKey, ActionAPIKeyRevoke},
	}
	for _, p := range operator {
		policies = append(policies, []string{RoleOperator, p[0], p[1]})
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
