package vector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// upstreamTimeout bounds one forwarded tile fetch.
const upstreamTimeout = 30 * time.Second

// KeyPool rotates the API keys of an external tile service. Keys whose
// responses indicate invalid credentials are parked and retried only
// after the cool-down elapses.
type KeyPool struct {
	mu       sync.Mutex
	keys     []string
	invalid  map[string]time.Time
	coolDown time.Duration
}

// NewKeyPool builds a pool with the given cool-down in days.
func NewKeyPool(keys []string, coolDownDays int) *KeyPool {
	if coolDownDays <= 0 {
		coolDownDays = 1
	}
	return &KeyPool{
		keys:     keys,
		invalid:  make(map[string]time.Time),
		coolDown: time.Duration(coolDownDays) * 24 * time.Hour,
	}
}

// usable returns the keys currently eligible, un-parking the ones whose
// cool-down has passed.
func (p *KeyPool) usable() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, k := range p.keys {
		if failedAt, bad := p.invalid[k]; bad {
			if time.Since(failedAt) < p.coolDown {
				continue
			}
			delete(p.invalid, k)
		}
		out = append(out, k)
	}
	return out
}

// markInvalid parks a key after an auth failure.
func (p *KeyPool) markInvalid(key string) {
	p.mu.Lock()
	p.invalid[key] = time.Now()
	p.mu.Unlock()
}

// Upstream forwards tile requests to an external XYZ URL template,
// rotating the key pool on credential failures.
type Upstream struct {
	Client *http.Client
	Keys   *KeyPool
}

// NewUpstream returns a forwarder with the standard timeout.
func NewUpstream(keys *KeyPool) *Upstream {
	return &Upstream{
		Client: &http.Client{Timeout: upstreamTimeout},
		Keys:   keys,
	}
}

// expandURL substitutes {z}/{x}/{y} and optionally {k} into a template.
func expandURL(template string, z, x, y int, key string) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{k}", key,
	)
	return r.Replace(template)
}

// Fetch requests one tile from the template URL. With keys in the pool
// each is tried in turn; a 401 or 403 answer parks the key, and any
// failure moves on to the next key.
// Without keys the template is fetched directly.
func (u *Upstream) Fetch(ctx context.Context, template string, z, x, y int) ([]byte, error) {
	if template == "" {
		return nil, fmt.Errorf("upstream: empty tile URL template")
	}

	keys := []string{""}
	withKeys := u.Keys != nil && len(u.Keys.keys) > 0
	if withKeys {
		keys = u.Keys.usable()
		if len(keys) == 0 {
			return nil, fmt.Errorf("upstream: no usable API keys")
		}
	}

	var lastErr error
	for _, key := range keys {
		body, status, err := u.get(ctx, expandURL(template, z, x, y, key))
		if err != nil {
			lastErr = err
			continue
		}
		if status/100 == 2 {
			return body, nil
		}
		lastErr = fmt.Errorf("upstream status %d: %s", status, truncate(string(body), 200))
		if withKeys && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
			u.Keys.markInvalid(key)
		}
	}
	return nil, lastErr
}

func (u *Upstream) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
