// Package verify checks whether company domains resolve to a live website.
package verify

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/company-search/internal/kv"
)

const keyPrefix = "domain:verify:"

// Defaults for Verifier.
const (
	DefaultTimeout     = 3 * time.Second
	DefaultCacheTTL    = 7 * 24 * time.Hour
	DefaultConcurrency = 10
)

// Options configures a Verifier.
type Options struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	// Scheme is the URL scheme probed; "https" unless overridden.
	Scheme string
	// Client overrides the HTTP client built from Timeout.
	Client *http.Client
}

// Verifier performs cached HEAD checks against domains. Results are advisory:
// any failure reads as "not verified".
type Verifier struct {
	store    kv.Store
	client   *http.Client
	scheme   string
	cacheTTL time.Duration
	log      *zap.Logger
}

// New creates a Verifier caching results in store.
func New(store kv.Store, opts Options) *Verifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	scheme := opts.Scheme
	if scheme == "" {
		scheme = "https"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout: timeout,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}
	return &Verifier{
		store:    store,
		client:   client,
		scheme:   scheme,
		cacheTTL: ttl,
		log:      zap.L().Named("verify"),
	}
}

// Verify reports whether domain answered a HEAD request with a success,
// redirect or 403 status. Both outcomes are cached.
func (v *Verifier) Verify(ctx context.Context, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}

	if raw, ok, err := v.store.Get(ctx, keyPrefix+domain); err != nil {
		v.log.Warn("verify: cache read failed", zap.String("domain", domain), zap.Error(err))
	} else if ok {
		return string(raw) == "1"
	}

	valid, err := v.check(ctx, domain)
	if err != nil {
		// A cancelled caller says nothing about the domain; do not cache it.
		if ctx.Err() != nil {
			return false
		}
		v.log.Debug("verify: domain unreachable", zap.String("domain", domain), zap.Error(err))
	}

	val := []byte("0")
	if valid {
		val = []byte("1")
	}
	if err := v.store.Set(ctx, keyPrefix+domain, val, v.cacheTTL); err != nil {
		v.log.Warn("verify: cache write failed", zap.String("domain", domain), zap.Error(err))
	}
	return valid
}

func (v *Verifier) check(ctx context.Context, domain string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.scheme+"://"+domain, nil)
	if err != nil {
		return false, eris.Wrapf(err, "verify: build request %s", domain)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; company-search/1.0)")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, eris.Wrapf(err, "verify: head %s", domain)
	}
	defer resp.Body.Close() //nolint:errcheck

	// Many sites reject HEAD with 403 but still exist.
	return resp.StatusCode < 400 || resp.StatusCode == http.StatusForbidden, nil
}

// VerifyBatch verifies domains in consecutive windows of size concurrency;
// each window completes before the next starts.
func (v *Verifier) VerifyBatch(ctx context.Context, domains []string, concurrency int) map[string]bool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var mu sync.Mutex
	out := make(map[string]bool, len(domains))
	for start := 0; start < len(domains); start += concurrency {
		if ctx.Err() != nil {
			break
		}
		end := min(start+concurrency, len(domains))

		g, gctx := errgroup.WithContext(ctx)
		for _, d := range domains[start:end] {
			g.Go(func() error {
				ok := v.Verify(gctx, d)
				mu.Lock()
				out[d] = ok
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, d := range domains {
		if _, ok := out[d]; !ok {
			out[d] = false
		}
	}
	return out
}
