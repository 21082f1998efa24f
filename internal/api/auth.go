package api

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
)

const principalKey = "devos.principal"

// Principal is an authenticated control-plane caller.
type Principal struct {
	UserID     string
	Admin      bool
	workspaces map[string]struct{}
}

// Member reports whether the caller may act inside the workspace.
func (p *Principal) Member(workspaceID string) bool {
	if p.Admin {
		return true
	}
	_, ok := p.workspaces[workspaceID]
	return ok
}

// Authenticator resolves a bearer token to a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// StaticAuthenticator resolves bearer tokens from server configuration.
// With no tokens configured it runs open: every caller is an anonymous
// admin, which is the local-development mode.
type StaticAuthenticator struct {
	byToken map[string]*Principal
	open    bool
}

// NewStaticAuthenticator builds the authenticator from config.
func NewStaticAuthenticator(cfg config.ServerConfig) *StaticAuthenticator {
	a := &StaticAuthenticator{byToken: make(map[string]*Principal)}
	if cfg.AuthToken != "" {
		a.byToken[cfg.AuthToken] = &Principal{UserID: "admin", Admin: true}
	}
	for _, tc := range cfg.AuthTokens {
		if tc.Token == "" {
			continue
		}
		p := &Principal{UserID: tc.UserID, Admin: tc.Admin, workspaces: make(map[string]struct{})}
		for _, ws := range tc.Workspaces {
			p.workspaces[ws] = struct{}{}
		}
		a.byToken[tc.Token] = p
	}
	a.open = len(a.byToken) == 0
	return a
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if a.open {
		return &Principal{UserID: "anonymous", Admin: true}, nil
	}
	if token == "" {
		return nil, errs.Unauthorized("missing bearer token")
	}
	p, ok := a.byToken[token]
	if !ok {
		return nil, errs.Unauthorized("unknown bearer token")
	}
	return p, nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func principalFrom(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}
