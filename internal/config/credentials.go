package config

import (
	"github.com/rickgao/tradeflow-stream/internal/auth"
)

// Credentials resolves the configured token. An inline token wins over
// token_file; with neither, nil credentials are returned and connections
// are attempted anonymously.
func (u UserConfig) Credentials() (*auth.Credentials, error) {
	mode, err := auth.ParseMode(u.AuthMode)
	if err != nil {
		return nil, err
	}

	token := u.Token
	if token == "" && u.TokenFile != "" {
		token, err = auth.LoadToken(u.TokenFile)
		if err != nil {
			return nil, err
		}
	}
	return auth.NewCredentials(token, mode), nil
}
