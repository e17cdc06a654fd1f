package oci

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Credentials is one registry's login from the auth file.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Keychain resolves registry credentials from a static file keyed by
// registry host. Registries without an entry authenticate anonymously.
type Keychain struct {
	creds map[string]Credentials
}

var _ authn.Keychain = (*Keychain)(nil)

// AnonymousKeychain authenticates nowhere.
func AnonymousKeychain() *Keychain {
	return &Keychain{}
}

// LoadKeychain reads a JSON auth file of the form
// {"registry.example.com": {"username": "...", "password": "..."}}.
func LoadKeychain(path string) (*Keychain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	creds := map[string]Credentials{}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse auth file: %w", err)
	}
	return &Keychain{creds: creds}, nil
}

// Resolve implements authn.Keychain.
func (k *Keychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	c, ok := k.creds[target.RegistryStr()]
	if !ok {
		return authn.Anonymous, nil
	}
	return &authn.Basic{Username: c.Username, Password: c.Password}, nil
}
