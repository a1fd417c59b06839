// Package governance implements the protocol parameter registry and the
// global EmergencyStop/MaintenanceMode switches. It owns the one singleton
// ProtocolParameters record and every mutation to it, so rpcserver's
// governance handlers never reach into internal/store directly.
//
// Follows the Pool's singleton-record pattern: one RLP-encoded record under
// a fixed key, read-modify-write inside a transaction.
package governance

import (
	"agrilend/internal/apierr"
	"agrilend/internal/audit"
	"agrilend/internal/authz"
	"agrilend/internal/domain"
	"agrilend/internal/store"
)

const paramsKey = "singleton"

// AdminRegistry is the subset of authz.StaticAuthorizer governance needs to
// grant/revoke the Admin role. Defined locally so this package depends on
// the narrow capability rather than the concrete authorizer type.
type AdminRegistry interface {
	Grant(p domain.Principal, info authz.Principal)
	Revoke(p domain.Principal)
}

// Registry is the governance component: protocol parameters plus the two
// global circuit breakers.
type Registry struct {
	store *store.Store
	admin AdminRegistry
	audit *audit.Logger
	now   func() uint64
}

// New constructs a Registry seeded with the parameters loaded at startup.
// admin may be nil, in which case grant/revoke admin calls fail closed with
// KindInternal rather than silently no-op.
func New(s *store.Store, admin AdminRegistry, a *audit.Logger, now func() uint64, initial domain.ProtocolParameters) (*Registry, error) {
	r := &Registry{store: s, admin: admin, audit: a, now: now}
	var existing domain.ProtocolParameters
	ok, err := s.Get(store.RegionParameters, paramsKey, &existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.Put(store.RegionParameters, paramsKey, initial); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Current returns the live ProtocolParameters.
func (r *Registry) Current() (domain.ProtocolParameters, error) {
	var p domain.ProtocolParameters
	_, err := r.store.Get(store.RegionParameters, paramsKey, &p)
	return p, err
}

// Update persists a caller-supplied ProtocolParameters wholesale. The
// governance surface is trusted to have validated bounds before calling
// this; Registry's job is atomic persistence, not re-validating every
// numeric field an admin chose to change.
func (r *Registry) Update(caller domain.Principal, next domain.ProtocolParameters) (domain.ProtocolParameters, error) {
	if err := r.store.Put(store.RegionParameters, paramsKey, next); err != nil {
		return domain.ProtocolParameters{}, err
	}
	r.logAction(caller, "update_protocol_parameters", "")
	return next, nil
}

// GrantAdmin promotes principal to the Admin role in both the live
// authorizer and the persisted Admins list.
func (r *Registry) GrantAdmin(caller, principal domain.Principal) error {
	if r.admin == nil {
		return apierr.New(apierr.KindInternal, "governance: no admin registry configured")
	}
	r.admin.Grant(principal, authz.Principal{Role: authz.RoleAdmin, Active: true})

	p, err := r.Current()
	if err != nil {
		return err
	}
	for _, existing := range p.Admins {
		if existing == principal {
			r.logAction(caller, "grant_admin", string(principal))
			return nil
		}
	}
	p.Admins = append(p.Admins, principal)
	if err := r.store.Put(store.RegionParameters, paramsKey, p); err != nil {
		return err
	}
	r.logAction(caller, "grant_admin", string(principal))
	return nil
}

// RevokeAdmin removes principal's Admin role from the live authorizer and
// the persisted Admins list.
func (r *Registry) RevokeAdmin(caller, principal domain.Principal) error {
	if r.admin == nil {
		return apierr.New(apierr.KindInternal, "governance: no admin registry configured")
	}
	r.admin.Revoke(principal)

	p, err := r.Current()
	if err != nil {
		return err
	}
	filtered := p.Admins[:0]
	for _, existing := range p.Admins {
		if existing != principal {
			filtered = append(filtered, existing)
		}
	}
	p.Admins = filtered
	if err := r.store.Put(store.RegionParameters, paramsKey, p); err != nil {
		return err
	}
	r.logAction(caller, "revoke_admin", string(principal))
	return nil
}

// SetEmergencyStop flips the global EmergencyStop circuit breaker. While it
// is set, the RPC layer rejects user-facing mutations and liquidation
// triggers with SystemPaused; the governance routes, admin resolution and
// the oracle routes do not check it.
func (r *Registry) SetEmergencyStop(caller domain.Principal, stopped bool, reason string) error {
	p, err := r.Current()
	if err != nil {
		return err
	}
	p.EmergencyStop = stopped
	if err := r.store.Put(store.RegionParameters, paramsKey, p); err != nil {
		return err
	}
	action := "resume_operations"
	if stopped {
		action = "emergency_stop"
	}
	r.logAction(caller, action, reason)
	return nil
}

// SetMaintenanceMode flips MaintenanceMode, which blocks user-facing
// mutations (mint, apply, deposit, etc.) while still letting governance
// operations proceed.
func (r *Registry) SetMaintenanceMode(caller domain.Principal, enabled bool, reason string) error {
	p, err := r.Current()
	if err != nil {
		return err
	}
	p.MaintenanceMode = enabled
	if err := r.store.Put(store.RegionParameters, paramsKey, p); err != nil {
		return err
	}
	action := "maintenance_mode_off"
	if enabled {
		action = "maintenance_mode_on"
	}
	r.logAction(caller, action, reason)
	return nil
}

// CheckOperational returns a *apierr.Error if the system is currently
// emergency-stopped; nil otherwise. The RPC layer consults it (directly or
// through CheckUserMutation) before user-facing mutations and liquidation
// triggers; governance operations do not consult it.
func (r *Registry) CheckOperational() *apierr.Error {
	p, err := r.Current()
	if err != nil {
		return apierr.New(apierr.KindInternal, "governance: loading parameters: %v", err)
	}
	if p.EmergencyStop {
		return apierr.New(apierr.KindSystemPaused, "the system is in emergency stop")
	}
	return nil
}

// CheckUserMutation returns a *apierr.Error if the system is emergency
// stopped or in maintenance mode; nil otherwise. User-facing mutations
// (mint, apply, deposit, withdraw, repay, ...) consult this; governance
// operations consult neither check, so an admin can still act during
// maintenance.
func (r *Registry) CheckUserMutation() *apierr.Error {
	if err := r.CheckOperational(); err != nil {
		return err
	}
	p, err := r.Current()
	if err != nil {
		return apierr.New(apierr.KindInternal, "governance: loading parameters: %v", err)
	}
	if p.MaintenanceMode {
		return apierr.New(apierr.KindMaintenanceMode, "the system is in maintenance mode")
	}
	return nil
}

func (r *Registry) logAction(caller domain.Principal, action, detail string) {
	if r.audit == nil {
		return
	}
	_, _ = r.audit.Log(audit.Entry{
		Caller:   caller,
		Category: "governance",
		Action:   action,
		Level:    domain.AuditWarn,
		Success:  true,
		After:    domain.EntitySnapshot{Kind: "protocol_parameters", JSON: detail},
	})
}
