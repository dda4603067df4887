package provider

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenEarlyRefresh is how long before expiry a cached token is replaced.
const tokenEarlyRefresh = 30 * time.Second

// fetcher asks the token endpoint every time; caching is left to
// oauth2.ReuseTokenSourceWithExpiry.
type fetcher struct {
	ctx    context.Context
	config *clientcredentials.Config
}

func (f fetcher) Token() (*oauth2.Token, error) {
	return f.config.Token(f.ctx)
}

// ClientCredentialsClient returns an HTTP client that authenticates with a
// bearer token from the client credentials grant. One token is shared by
// every request made through the client and refreshed shortly before expiry.
func ClientCredentialsClient(tokenURL, clientID, clientSecret string, timeout time.Duration, scopes ...string) *http.Client {
	base := &http.Client{Timeout: timeout}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	source := oauth2.ReuseTokenSourceWithExpiry(nil, fetcher{ctx: ctx, config: cfg}, tokenEarlyRefresh)
	return &http.Client{
		Transport: &oauth2.Transport{Source: source, Base: http.DefaultTransport},
	}
}
