// Package identity defines the entity identifiers used to address agents
// and users on a message exchange.
package identity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role distinguishes the two kinds of addressable entities in a
// multi-agent system.
type Role string

const (
	// RoleAgent identifies a long-lived agent entity.
	RoleAgent Role = "agent"
	// RoleUser identifies a user or client entity.
	RoleUser Role = "user"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleUser
}

// EntityID uniquely names an addressable entity on an exchange.
//
// An EntityID is an immutable value type: it is comparable, usable as a
// map key, and equality covers both the token and the role. The optional
// display name is carried for logging only and is excluded from equality.
type EntityID struct {
	UID  uuid.UUID `json:"uid"`
	Role Role      `json:"role"`
	Name string    `json:"name,omitempty"`
}

// NewAgentID creates a fresh agent identifier. The name is optional and
// only used for human readability in logs.
func NewAgentID(name string) EntityID {
	return EntityID{UID: uuid.New(), Role: RoleAgent, Name: name}
}

// NewUserID creates a fresh user identifier.
func NewUserID(name string) EntityID {
	return EntityID{UID: uuid.New(), Role: RoleUser, Name: name}
}

// IsZero reports whether the identifier is the zero value.
func (e EntityID) IsZero() bool {
	return e.UID == uuid.Nil && e.Role == ""
}

// Equal reports whether two identifiers name the same entity. Display
// names do not participate in equality.
func (e EntityID) Equal(other EntityID) bool {
	return e.UID == other.UID && e.Role == other.Role
}

// Key returns a comparable value suitable for use as a map key. Two
// identifiers that are Equal produce the same Key even if their display
// names differ.
func (e EntityID) Key() EntityID {
	e.Name = ""
	return e
}

func (e EntityID) String() string {
	kind := "UserID"
	if e.Role == RoleAgent {
		kind = "AgentID"
	}
	if e.Name != "" {
		return fmt.Sprintf("%s<%s.., name=%s>", kind, e.UID.String()[:8], e.Name)
	}
	return fmt.Sprintf("%s<%s>", kind, e.UID)
}

// MarshalText implements encoding.TextMarshaler so an EntityID can be
// used as a JSON object key.
func (e EntityID) MarshalText() ([]byte, error) {
	return []byte(string(e.Role) + ":" + e.UID.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EntityID) UnmarshalText(text []byte) error {
	var role, raw string
	for i := 0; i < len(text); i++ {
		if text[i] == ':' {
			role, raw = string(text[:i]), string(text[i+1:])
			break
		}
	}
	if role == "" {
		return fmt.Errorf("identity: malformed entity id %q", text)
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("identity: parse entity id %q: %w", text, err)
	}
	if !Role(role).Valid() {
		return fmt.Errorf("identity: unknown role %q", role)
	}
	e.UID = uid
	e.Role = Role(role)
	return nil
}

// entityJSON is the object form used when an EntityID appears as a JSON
// value rather than a key. Names survive the round trip.
type entityJSON struct {
	UID  uuid.UUID `json:"uid"`
	Role Role      `json:"role"`
	Name string    `json:"name,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e EntityID) MarshalJSON() ([]byte, error) {
	return json.Marshal(entityJSON(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *EntityID) UnmarshalJSON(data []byte) error {
	var obj entityJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if !obj.Role.Valid() {
		return fmt.Errorf("identity: unknown role %q", obj.Role)
	}
	*e = EntityID(obj)
	return nil
}
