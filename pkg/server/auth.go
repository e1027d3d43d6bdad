package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/open-policy-agent/opa/rego"
)

// Credentials are the parsed Basic credentials of a request. Handlers pass
// nil when no credentials were supplied.
type Credentials struct {
	Username string
	Password string
}

// Authorizer decides whether a request's credentials may use the server.
type Authorizer func(creds *Credentials) bool

// AllowAll admits every request, the default when no authorizer is set.
func AllowAll(*Credentials) bool { return true }

// BasicAuth admits exactly one username and password pair.
func BasicAuth(username, password string) Authorizer {
	return func(creds *Credentials) bool {
		return creds != nil && creds.Username == username && creds.Password == password
	}
}

// OPAAuthorizer evaluates a Rego module for each request. The module is
// queried at data.arbor.authz.allow with input {"anonymous": bool,
// "user": string, "password": string}; evaluation errors deny.
func OPAAuthorizer(ctx context.Context, module string) (Authorizer, error) {
	query, err := rego.New(
		rego.Query("data.arbor.authz.allow"),
		rego.Module("authz.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare authz query: %w", err)
	}
	return func(creds *Credentials) bool {
		input := map[string]any{"anonymous": creds == nil}
		if creds != nil {
			input["user"] = creds.Username
			input["password"] = creds.Password
		}
		results, err := query.Eval(context.Background(), rego.EvalInput(input))
		if err != nil {
			return false
		}
		return results.Allowed()
	}, nil
}

func credentialsFromRequest(r *http.Request) *Credentials {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	return &Credentials{Username: username, Password: password}
}
