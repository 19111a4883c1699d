// Package auth provides the broker's credential collaborators: the one-way
// password verifier guarding JOIN and the token issuer backing CREATE/JOIN.
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost matches the work factor the deployed clients were provisioned
// against.
const bcryptCost = 12

// BcryptVerifier hashes and checks room passwords with bcrypt. The empty
// password hashes like any other string, and its verifier accepts only the
// empty string. The registry stores no verifier for open-access rooms and
// does not call this type for them.
type BcryptVerifier struct {
	cost int
}

// NewBcryptVerifier returns a verifier at the standard cost.
func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{cost: bcryptCost}
}

// Hash derives a one-way verifier blob from a password.
func (v *BcryptVerifier) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify reports whether password matches the stored verifier. bcrypt's
// comparison is constant-time over the derived key.
func (v *BcryptVerifier) Verify(password, verifier string) bool {
	return bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password)) == nil
}
