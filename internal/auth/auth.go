// Package auth authenticates inbound requests against the bearer-token
// hash set pushed by the control plane (internal/controlplane.Config.Keys).
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/airouter/gateway/pkg/apierr"
)

// Context carries the identity resolved from a request's credentials.
type Context struct {
	APIKey string
	UserID string
	OrgID  string
}

// KeySource supplies the current valid-key set as a hash -> owner_id map;
// internal/controlplane.Client satisfies it via Snapshot().Keys.
type KeySource interface {
	ValidKeyHashes() map[string]string
}

// staticKeySource is used in deployment modes (sidecar/self-hosted) where a
// single global key substitutes for the control-plane-managed set.
type staticKeySource struct{ hashes map[string]string }

func (s staticKeySource) ValidKeyHashes() map[string]string { return s.hashes }

// NewGlobalKeySource builds a KeySource for a single deployment-mode global
// API key, hashed the same way bearer tokens are. The global key has no
// real owner_id, so it resolves to the fixed "global" identity.
func NewGlobalKeySource(globalKey string) KeySource {
	return staticKeySource{hashes: map[string]string{HashToken(globalKey): "global"}}
}

// HashToken returns the canonical lookup hash for a bearer token:
// sha256("Bearer "+token), hex encoded. Hashing (rather than storing the
// raw token) means the control plane can push the valid set without the
// gateway process ever holding a plaintext credential store.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte("Bearer " + token))
	return hex.EncodeToString(sum[:])
}

// Authenticator validates the Authorization header of inbound requests.
type Authenticator struct {
	requireAuth bool
	keys        KeySource
}

// New builds an Authenticator. When requireAuth is false, Authenticate
// always succeeds (pass-through mode, used by self-hosted deployments that
// trust their network perimeter).
func New(requireAuth bool, keys KeySource) *Authenticator {
	return &Authenticator{requireAuth: requireAuth, keys: keys}
}

// Authenticate validates the raw Authorization header value ("Bearer
// sk-...") and returns the resolved Context.
func (a *Authenticator) Authenticate(authorizationHeader string) (Context, error) {
	if !a.requireAuth {
		return Context{}, nil
	}
	if authorizationHeader == "" {
		return Context{}, apierr.ErrMissingAuthorizationHeader
	}

	token, ok := parseBearer(authorizationHeader)
	if !ok {
		return Context{}, apierr.ErrInvalidCredentials
	}

	hexHash := HashToken(token)

	valid := a.keys.ValidKeyHashes()
	ownerID, ok := valid[hexHash]
	if !ok {
		return Context{}, apierr.ErrInvalidCredentials
	}

	return Context{APIKey: token, UserID: ownerID}, nil
}

func parseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
