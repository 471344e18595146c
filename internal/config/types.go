package config

import (
	"crypto/subtle"
	"encoding/json"
)

// Secret holds a credential such as the gateway API key or the OpenAI key.
// It prints and serializes as a placeholder; call Value for the real text.
type Secret string

const redactedSecret = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string { return "config.Secret(" + redactedSecret + ")" }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a non-empty secret was configured.
func (s Secret) IsSet() bool { return s != "" }

// Equal reports whether candidate matches the secret. The comparison takes
// the same time wherever the first difference is.
func (s Secret) Equal(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(candidate)) == 1
}

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText stores text as is, so YAML and MCPGW_* variables carry the
// raw credential.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
