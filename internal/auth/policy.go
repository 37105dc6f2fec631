package auth

import (
	"fmt"
	"slices"
	"strings"
)

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleVendor   Role = "VENDOR"
	RoleAdmin    Role = "ADMIN"
	RoleCSR      Role = "CSR"
)

func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch role {
	case RoleCustomer, RoleVendor, RoleAdmin, RoleCSR:
		return role, nil
	}
	return "", fmt.Errorf("auth: unknown role %q", s)
}

type Capability string

const (
	OrdersCreate  Capability = "orders:create"
	OrdersRead    Capability = "orders:read"
	OrdersUpdate  Capability = "orders:update"
	ProductsRead  Capability = "products:read"
	ProductsWrite Capability = "products:write"
	ListingsWrite Capability = "listings:write"
)

// Policy maps each capability to the roles allowed to use it. A capability
// missing from the policy is denied to everyone.
type Policy map[Capability][]Role

func DefaultPolicy() Policy {
	return Policy{
		OrdersCreate:  {RoleCustomer, RoleCSR},
		OrdersRead:    {RoleCustomer, RoleCSR, RoleAdmin},
		OrdersUpdate:  {RoleCustomer, RoleCSR, RoleAdmin},
		ProductsRead:  {RoleCustomer, RoleVendor, RoleAdmin, RoleCSR},
		ProductsWrite: {RoleAdmin, RoleVendor},
		ListingsWrite: {RoleAdmin, RoleVendor},
	}
}

// PolicyFromConfig overlays the configured capabilities on DefaultPolicy.
func PolicyFromConfig(raw map[string][]string) (Policy, error) {
	policy := DefaultPolicy()
	for capName, roleNames := range raw {
		roles := make([]Role, 0, len(roleNames))
		for _, name := range roleNames {
			role, err := ParseRole(name)
			if err != nil {
				return nil, fmt.Errorf("auth: policy for %s: %w", capName, err)
			}
			roles = append(roles, role)
		}
		policy[Capability(capName)] = roles
	}
	return policy, nil
}

func (p Policy) Allows(role Role, capability Capability) bool {
	return slices.Contains(p[capability], role)
}
