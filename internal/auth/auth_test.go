package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airouter/gateway/internal/auth"
	"github.com/airouter/gateway/pkg/apierr"
)

func TestAuthenticate_PassThroughWhenNotRequired(t *testing.T) {
	a := auth.New(false, auth.NewGlobalKeySource("anything"))
	ctx, err := a.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, auth.Context{}, ctx)
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	a := auth.New(true, auth.NewGlobalKeySource("secret"))
	_, err := a.Authenticate("")
	assert.ErrorIs(t, err, apierr.ErrMissingAuthorizationHeader)
}

func TestAuthenticate_ValidGlobalKey(t *testing.T) {
	a := auth.New(true, auth.NewGlobalKeySource("secret"))
	ctx, err := a.Authenticate("Bearer secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", ctx.APIKey)
}

func TestAuthenticate_InvalidKey(t *testing.T) {
	a := auth.New(true, auth.NewGlobalKeySource("secret"))
	_, err := a.Authenticate("Bearer wrong")
	assert.Error(t, err)
}

func TestAuthenticate_MalformedHeader(t *testing.T) {
	a := auth.New(true, auth.NewGlobalKeySource("secret"))
	_, err := a.Authenticate("Token secret")
	assert.Error(t, err)
}

func TestHashToken_Deterministic(t *testing.T) {
	assert.Equal(t, auth.HashToken("abc"), auth.HashToken("abc"))
	assert.NotEqual(t, auth.HashToken("abc"), auth.HashToken("xyz"))
}
