package model

import (
	"strings"

	"tablebook-referrals/internal/domain"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleOwner    Role = "restaurant_owner"
	RoleAdmin    Role = "admin"
)

// User is the authenticated caller as resolved by the auth collaborator.
// The referral service never stores users; it only needs the id and role.
type User struct {
	ID   string
	Role Role
}

func NewUser(id string, role string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrInvalidArgument
	}
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if r == "" {
		r = RoleCustomer
	}
	return &User{ID: id, Role: r}, nil
}

func (u *User) IsZero() bool  { return u == nil || u.ID == "" }
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }
