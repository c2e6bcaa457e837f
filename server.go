package oauth

import (
	"log/slog"

	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
)

// Server is the token lifecycle engine behind the HTTP handler.
type Server = server.Server

// ServerConfig holds token server configuration.
type ServerConfig = server.Config

// NewServer creates a new token server. It is a shorthand for server.New
// for callers that only import the root package.
func NewServer(
	tokenStore storage.TokenStore,
	codeStore storage.CodeStore,
	clientStore storage.ClientStore,
	settingsStore storage.SettingsStore,
	keyManager *keys.Manager,
	config *ServerConfig,
	logger *slog.Logger,
) (*Server, error) {
	return server.New(tokenStore, codeStore, clientStore, settingsStore, keyManager, config, logger)
}
