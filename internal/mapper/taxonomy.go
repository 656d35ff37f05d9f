// File: internal/mapper/taxonomy.go
package mapper

import (
	"github.com/xkilldash9x/ctibridge/api/schemas"
)

// EntityType is a provider-side entity type name.
type EntityType string

const (
	EntityThreatActor    EntityType = "ThreatActor"
	EntityMalware        EntityType = "Malware"
	EntityMitreTechnique EntityType = "MitreTechnique"
	EntityPerson         EntityType = "Person"
	EntityCountry        EntityType = "Country"
	EntityCity           EntityType = "City"
	EntityCompany        EntityType = "Company"
	EntityOrganization   EntityType = "Organization"
	EntityGovernmentBody EntityType = "GovernmentBody"
	EntityVulnerability  EntityType = "Vulnerability"
	EntityDomain         EntityType = "Domain"
	EntityIPv4           EntityType = "IPv4"
	EntitySubdomain      EntityType = "Subdomain"
	EntityEmail          EntityType = "Email"
)

// taxonomy is the fixed table from provider entity types to canonical node kinds.
var taxonomy = map[EntityType]schemas.NodeKind{
	EntityThreatActor:    schemas.KindIntrusionSet,
	EntityMalware:        schemas.KindMalware,
	EntityMitreTechnique: schemas.KindAttackPattern,
	EntityPerson:         schemas.KindIndividual,
	EntityCountry:        schemas.KindCountry,
	EntityCity:           schemas.KindCity,
	EntityCompany:        schemas.KindOrganization,
	EntityOrganization:   schemas.KindOrganization,
	EntityGovernmentBody: schemas.KindOrganization,
	EntityVulnerability:  schemas.KindVulnerability,
	EntityDomain:         schemas.KindDomain,
	EntityIPv4:           schemas.KindIPv4,
	EntitySubdomain:      schemas.KindHostname,
	EntityEmail:          schemas.KindEmailAddress,
}

// EntityTypes lists every mapped entity type in a stable order, for use in
// provider queries.
var EntityTypes = []EntityType{
	EntityThreatActor, EntityMalware, EntityMitreTechnique, EntityPerson,
	EntityCountry, EntityCity, EntityCompany, EntityOrganization,
	EntityGovernmentBody, EntityVulnerability, EntityDomain, EntityIPv4,
	EntitySubdomain, EntityEmail,
}

// KindFor resolves the canonical node kind of a provider entity type.
// Unknown types report false and are expected to be dropped by the caller.
func KindFor(t EntityType) (schemas.NodeKind, bool) {
	k, ok := taxonomy[t]
	return k, ok
}

// Scoreable reports whether an entity type is enriched with a risk score.
func Scoreable(t EntityType) bool {
	switch t {
	case EntityEmail, EntitySubdomain, EntityIPv4, EntityDomain:
		return true
	}
	return false
}

// Role is a relationship-inference bucket a node may belong to.
type Role int

const (
	RoleThreat Role = iota
	RoleUser
	RoleUsed
	RoleVictim
	RoleObservable
	RoleIndicator
)

func (r Role) String() string {
	switch r {
	case RoleThreat:
		return "threats"
	case RoleUser:
		return "users"
	case RoleUsed:
		return "used"
	case RoleVictim:
		return "victims"
	case RoleObservable:
		return "observables"
	case RoleIndicator:
		return "indicators"
	}
	return "unknown"
}

// Classify returns the buckets a node of the given kind belongs to. Kinds
// that take part in no inference rule (identities) return nil.
func Classify(kind schemas.NodeKind) []Role {
	switch kind {
	case schemas.KindIntrusionSet:
		return []Role{RoleThreat, RoleUser}
	case schemas.KindMalware:
		return []Role{RoleThreat, RoleUsed}
	case schemas.KindAttackPattern:
		return []Role{RoleUsed}
	case schemas.KindCountry, schemas.KindCity, schemas.KindVulnerability:
		return []Role{RoleVictim}
	case schemas.KindIndicator:
		return []Role{RoleIndicator}
	}
	if kind.IsObservable() {
		return []Role{RoleObservable}
	}
	return nil
}
