// Package domain defines shared domain types and constants.
package domain

import "time"

// RoleSet names the three persisted membership sets.
type RoleSet string

const (
	// SetAdmins holds users allowed to run the admin panel and workflows.
	SetAdmins RoleSet = "admins"
	// SetVIP holds users with unlimited quota but no admin privileges.
	SetVIP RoleSet = "vip"
	// SetBanned holds users whose messages are rejected outright.
	SetBanned RoleSet = "banned"
)

// Valid reports whether s is one of the known sets.
func (s RoleSet) Valid() bool {
	switch s {
	case SetAdmins, SetVIP, SetBanned:
		return true
	}
	return false
}

// RoleSetDoc is the whole-value persisted form of one role set. Mutations
// read-modify-write the full member list and replace the document.
type RoleSetDoc struct {
	Set       RoleSet   `bson:"set" json:"set"`
	Members   []int64   `bson:"members" json:"members"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
