package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-search/internal/config"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = eris.New("server: unauthenticated")

// HeaderAccountID carries a pre-authenticated account from a trusted proxy.
const HeaderAccountID = "X-Account-ID"

// Authenticator resolves the account behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (account string, err error)
}

// KeyAuthenticator accepts API keys from the Authorization bearer token, the
// X-API-Key header or the api_key query parameter (browsers' EventSource
// cannot set headers). With trustHeader it also accepts X-Account-ID as set
// by an authenticating proxy.
type KeyAuthenticator struct {
	keys        []config.APIKey
	trustHeader bool
}

// NewKeyAuthenticator creates a KeyAuthenticator.
func NewKeyAuthenticator(keys []config.APIKey, trustHeader bool) *KeyAuthenticator {
	return &KeyAuthenticator{keys: keys, trustHeader: trustHeader}
}

func (a *KeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	if key := requestKey(r); key != "" {
		for _, k := range a.keys {
			if k.Key != "" && subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
				return k.Account, nil
			}
		}
		return "", ErrUnauthenticated
	}
	if a.trustHeader {
		if account := strings.TrimSpace(r.Header.Get(HeaderAccountID)); account != "" {
			return account, nil
		}
	}
	return "", ErrUnauthenticated
}

func requestKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

type accountKey struct{}

// AccountFrom returns the account stored by the auth middleware.
func AccountFrom(ctx context.Context) string {
	s, _ := ctx.Value(accountKey{}).(string)
	return s
}

func withAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey{}, account)
}
