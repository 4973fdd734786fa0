// Package scope resolves a caller's role and permitted city set and derives
// every authorization decision the contribution workflow needs from it.
package scope

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleInvited Role = "invited"
	RoleNone    Role = ""
)

// GlobalCity is the sentinel city-list entry granting cross-city authority.
const GlobalCity = "global"

// Profile is the resolved session profile. Cities nil or empty means the
// user has no city grants at all; a list containing GlobalCity grants every
// city.
type Profile struct {
	Role   Role
	Cities []string
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleInvited:
		return Role(role)
	default:
		return RoleNone
	}
}

// ParseCities accepts the legacy ville column, which may hold a JSON array
// string, a bare city code, or nothing.
func ParseCities(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var cities []string
		if err := json.Unmarshal([]byte(raw), &cities); err == nil {
			return cities
		}
	}
	return []string{raw}
}

func (p Profile) IsGlobal() bool {
	for _, c := range p.Cities {
		if c == GlobalCity {
			return true
		}
	}
	return false
}

// InScope reports whether a city falls inside the profile's grants. The
// empty city denotes a global (city-less) record and is only in scope for
// global holders.
func (p Profile) InScope(city string) bool {
	if p.IsGlobal() {
		return true
	}
	if city == "" {
		return false
	}
	for _, c := range p.Cities {
		if c == city {
			return true
		}
	}
	return false
}

// CanEdit reports whether the profile may author contributions for a city.
func (p Profile) CanEdit(city string) bool {
	if p.Role != RoleAdmin && p.Role != RoleInvited {
		return false
	}
	return p.InScope(city)
}

// CanApprove is admin-only regardless of ownership.
func (p Profile) CanApprove() bool {
	return p.Role == RoleAdmin
}

// CanDelete allows the record's owner (any role) and admins whose scope
// includes the record's city.
func (p Profile) CanDelete(userID, ownerID, city string) bool {
	if userID != "" && userID == ownerID {
		return true
	}
	return p.Role == RoleAdmin && p.InScope(city)
}

// Visibility is the default list filter derived from the role. When Locked,
// the mine-only toggle cannot be disabled and invited callers additionally
// see approved contributions within their scope.
type Visibility struct {
	MineOnly        bool
	Locked          bool
	ApprovedInScope bool
	// Cities restricts the query; nil means no city restriction.
	Cities []string
}

func (p Profile) VisibilityFilter() Visibility {
	switch p.Role {
	case RoleAdmin:
		if p.IsGlobal() {
			return Visibility{}
		}
		return Visibility{Cities: p.scopedCities()}
	case RoleInvited:
		return Visibility{MineOnly: true, Locked: true, ApprovedInScope: true, Cities: p.scopedCities()}
	default:
		return Visibility{MineOnly: true, Locked: true}
	}
}

func (p Profile) scopedCities() []string {
	if p.IsGlobal() {
		return nil
	}
	cities := make([]string, 0, len(p.Cities))
	for _, c := range p.Cities {
		if c != GlobalCity {
			cities = append(cities, c)
		}
	}
	return cities
}
