// Package credential holds the Airtable API token and resolves it from
// explicit input or the environment. The token is never rendered in full.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultEnvVar is the environment variable consulted when no token is passed explicitly.
const DefaultEnvVar = "AIRTABLE_KEY"

// redacted is how a credential renders in logs, errors and fmt output.
const redacted = "Credential(<secrets>)"

// ErrMissing is returned when neither an explicit token nor the environment yields one.
var ErrMissing = errors.New("credential: no api key provided")

// Credential is an immutable Airtable API token (personal access token or legacy API key).
type Credential struct {
	token string
}

// New wraps an explicit token. Surrounding whitespace is ignored.
func New(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrMissing
	}
	return Credential{token: token}, nil
}

// FromEnv reads the token from the named environment variable.
// An empty name means DefaultEnvVar.
func FromEnv(name string) (Credential, error) {
	if name == "" {
		name = DefaultEnvVar
	}
	c, err := New(os.Getenv(name))
	if err != nil {
		return Credential{}, errors.Join(err, errors.New("environment variable "+name+" is not set"))
	}
	return c, nil
}

// Resolve applies the precedence explicit argument > environment variable > failure.
func Resolve(explicit, envVar string) (Credential, error) {
	if c, err := New(explicit); err == nil {
		return c, nil
	}
	return FromEnv(envVar)
}

// IsZero reports whether the credential carries no token.
func (c Credential) IsZero() bool {
	return c.token == ""
}

// Token returns the raw secret. Only the transport should call this.
func (c Credential) Token() string {
	return c.token
}

// Authorize sets the bearer Authorization header on h.
func (c Credential) Authorize(h http.Header) {
	h.Set("Authorization", "Bearer "+c.token)
}

// Fingerprint is a short, non-reversible identifier for the token, safe for
// logs and shared state keys. Empty for a zero credential.
func (c Credential) Fingerprint() string {
	if c.IsZero() {
		return ""
	}
	sum := sha256.Sum256([]byte(c.token))
	return hex.EncodeToString(sum[:6])
}

func (c Credential) String() string {
	return redacted
}

func (c Credential) GoString() string {
	return redacted
}

// MarshalJSON never emits the token.
func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalZerologObject logs the fingerprint only.
func (c Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("set", !c.IsZero()).Str("fingerprint", c.Fingerprint())
}
