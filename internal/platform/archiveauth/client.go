package archiveauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// NewHTTPClient returns an archive client that authenticates every request.
// With an OIDC section the token endpoint is discovered from the issuer and
// client-credentials tokens are attached; otherwise basic auth is used.
// timeout 0 means no client-side timeout.
func NewHTTPClient(ctx context.Context, creds Credentials, timeout time.Duration) (*http.Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	base := &http.Client{Transport: newTransport(), Timeout: timeout}

	if !creds.UsesOIDC() {
		return &http.Client{
			Transport: &basicAuthTransport{username: creds.Username, password: creds.Password, next: base.Transport},
			Timeout:   timeout,
		}, nil
	}

	discoveryCtx := oidc.ClientContext(ctx, base)
	provider, err := oidc.NewProvider(discoveryCtx, creds.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return nil, errors.New("oidc provider has no token endpoint")
	}
	cc := clientcredentials.Config{
		ClientID:     creds.OIDCClientID,
		ClientSecret: creds.OIDCClientSecret,
		TokenURL:     tokenURL,
		Scopes:       creds.OIDCScopes,
	}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = timeout
	return client, nil
}

type basicAuthTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(clone)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewAnonymousClient is used when no credentials file is available. Public
// catalog queries work; authenticated cutouts will be refused by the archive.
func NewAnonymousClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: newTransport(), Timeout: timeout}
}
