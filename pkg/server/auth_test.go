package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	assert.True(t, AllowAll(nil))
	assert.True(t, AllowAll(&Credentials{Username: "anyone"}))
}

func TestBasicAuth(t *testing.T) {
	auth := BasicAuth("admin", "secret")
	assert.False(t, auth(nil), "anonymous requests are rejected")
	assert.False(t, auth(&Credentials{Username: "admin", Password: "wrong"}))
	assert.False(t, auth(&Credentials{Username: "other", Password: "secret"}))
	assert.True(t, auth(&Credentials{Username: "admin", Password: "secret"}))
}

func TestOPAAuthorizer(t *testing.T) {
	module := `package arbor.authz

import rego.v1

default allow := false

allow if {
	not input.anonymous
	input.user == "admin"
	input.password == "secret"
}

allow if {
	input.user == "reader"
}
`
	auth, err := OPAAuthorizer(context.Background(), module)
	require.NoError(t, err)

	assert.False(t, auth(nil))
	assert.False(t, auth(&Credentials{Username: "admin", Password: "wrong"}))
	assert.True(t, auth(&Credentials{Username: "admin", Password: "secret"}))
	assert.True(t, auth(&Credentials{Username: "reader"}))
}

func TestOPAAuthorizer_BadModule(t *testing.T) {
	_, err := OPAAuthorizer(context.Background(), "this is not rego")
	assert.Error(t, err)
}

func TestCredentialsFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/datashape", nil)
	assert.Nil(t, credentialsFromRequest(req))

	req.SetBasicAuth("admin", "secret")
	creds := credentialsFromRequest(req)
	require.NotNil(t, creds)
	assert.Equal(t, "admin", creds.Username)
	assert.Equal(t, "secret", creds.Password)
}
