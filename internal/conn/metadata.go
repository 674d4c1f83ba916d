package conn

import (
	"slices"
	"strings"
	"time"
)

type Role string

const (
	RoleMember     Role = ""
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

type Participant struct {
	JID  string
	Role Role
}

// GroupMetadata describes a group-style conversation.
type GroupMetadata struct {
	JID          string
	Subject      string
	Description  string
	Owner        string
	CreatedAt    time.Time
	Participants []Participant
}

// Clone returns a deep copy so cached values are never shared.
func (g *GroupMetadata) Clone() *GroupMetadata {
	if g == nil {
		return nil
	}
	c := *g
	c.Participants = slices.Clone(g.Participants)
	return &c
}

// IsGroupJID reports whether jid addresses a group-style conversation.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// IsBroadcastJID covers status broadcasts, broadcast lists and channels.
func IsBroadcastJID(jid string) bool {
	return strings.HasSuffix(jid, "@broadcast") || strings.HasSuffix(jid, "@newsletter")
}

// IsLIDJID reports whether jid uses the LID identifier kind.
func IsLIDJID(jid string) bool {
	return strings.HasSuffix(jid, "@lid")
}
