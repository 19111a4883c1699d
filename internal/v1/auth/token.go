package auth

import (
	"github.com/google/uuid"

	"github.com/hiroba-chat/broker/internal/v1/types"
)

// UUIDIssuer mints tokens as random version-4 UUIDs. Collisions are
// negligible over a process lifetime, which is all the registry requires.
type UUIDIssuer struct{}

// NewUUIDIssuer returns the standard token issuer.
func NewUUIDIssuer() *UUIDIssuer {
	return &UUIDIssuer{}
}

// NewToken returns a fresh opaque token.
func (UUIDIssuer) NewToken() types.Token {
	return types.Token(uuid.NewString())
}
