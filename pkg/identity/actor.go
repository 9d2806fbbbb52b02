// Package identity defines the principal and key identifier formats used
// across the kernel: actor ids, signing key ids, and did:key encoding of
// Ed25519 public keys.
package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// Role is the class of a principal.
type Role string

// Recognized actor roles.
const (
	RoleUser     Role = "user"
	RoleAgent    Role = "agent"
	RoleProvider Role = "provider"
	RoleAdapter  Role = "adapter"
)

// ActorID is a textual principal of the form "role:name".
// It is the lookup key for public keys and the signer field in events
// and receipts.
type ActorID string

var actorPattern = regexp.MustCompile(`^(user|agent|provider|adapter):[A-Za-z0-9_-]+$`)

// NewActorID builds an ActorID from a role and name.
func NewActorID(role Role, name string) ActorID {
	return ActorID(string(role) + ":" + name)
}

// Validate checks the actor id against the wire format.
func (a ActorID) Validate() error {
	if !actorPattern.MatchString(string(a)) {
		return fmt.Errorf("invalid actor id %q: want role:name with role in {user, agent, provider, adapter}", string(a))
	}
	return nil
}

// Role returns the role component, or "" if malformed.
func (a ActorID) Role() Role {
	role, _, ok := strings.Cut(string(a), ":")
	if !ok {
		return ""
	}
	return Role(role)
}

// Name returns the name component, or "" if malformed.
func (a ActorID) Name() string {
	_, name, ok := strings.Cut(string(a), ":")
	if !ok {
		return ""
	}
	return name
}

func (a ActorID) String() string {
	return string(a)
}

// KeyID returns the signing key identifier for an actor: "ed25519:<actor>".
func (a ActorID) KeyID() string {
	return "ed25519:" + string(a)
}

// ActorFromKeyID recovers the actor id from a key id.
func ActorFromKeyID(keyID string) (ActorID, error) {
	rest, ok := strings.CutPrefix(keyID, "ed25519:")
	if !ok {
		return "", fmt.Errorf("invalid key id %q: want ed25519:<actor>", keyID)
	}
	actor := ActorID(rest)
	if err := actor.Validate(); err != nil {
		return "", err
	}
	return actor, nil
}
