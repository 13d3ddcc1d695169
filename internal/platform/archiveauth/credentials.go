package archiveauth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ini/ini"
)

const (
	sectionArchive = "CASDA"
	sectionOIDC    = "OIDC"
)

// Credentials is the parsed credentials file:
//
//	[CASDA]
//	username = ...
//	password = ...
//
//	[OIDC]            ; optional, switches to client-credentials tokens
//	issuer = https://...
//	client_id = ...
//	client_secret = ...
//	scopes = openid, casda
type Credentials struct {
	Username string
	Password string

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCScopes       []string
}

func (c Credentials) UsesOIDC() bool {
	return strings.TrimSpace(c.OIDCIssuerURL) != ""
}

func LoadCredentials(path string) (Credentials, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Credentials{}, errors.New("credentials path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return Credentials{}, fmt.Errorf("credentials file: %w", err)
	}
	file, err := ini.Load(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", path, err)
	}

	creds := Credentials{
		Username: strings.TrimSpace(file.Section(sectionArchive).Key("username").String()),
		Password: file.Section(sectionArchive).Key("password").String(),
	}
	if file.HasSection(sectionOIDC) {
		oidcSection := file.Section(sectionOIDC)
		creds.OIDCIssuerURL = strings.TrimSpace(oidcSection.Key("issuer").String())
		creds.OIDCClientID = strings.TrimSpace(oidcSection.Key("client_id").String())
		creds.OIDCClientSecret = oidcSection.Key("client_secret").String()
		for _, scope := range oidcSection.Key("scopes").Strings(",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				creds.OIDCScopes = append(creds.OIDCScopes, scope)
			}
		}
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func (c Credentials) Validate() error {
	if c.UsesOIDC() {
		if c.OIDCClientID == "" {
			return errors.New("OIDC client_id is required")
		}
		if c.OIDCClientSecret == "" {
			return errors.New("OIDC client_secret is required")
		}
		return nil
	}
	if c.Username == "" {
		return errors.New("CASDA username is required")
	}
	if c.Password == "" {
		return errors.New("CASDA password is required")
	}
	return nil
}
