// Package forge is the thin typed wrapper over the GitHub REST API (C3):
// retry classification, ETag caching, secondary-rate-limit detection, and a
// sandbox tripwire that denies writes outside a configured allowlist.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/3mdistal/ralph/internal/config"
	gogithub "github.com/google/go-github/v68/github"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Client wraps google/go-github with the control loop's cross-cutting
// concerns. All forge-facing components (queue driver, sync poller, worker)
// talk to the forge exclusively through this type.
type Client struct {
	gh     *gogithub.Client
	cfg    config.ForgeConfig
	log    *slog.Logger
	limit  *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	token  string

	etagMu sync.Mutex
	etags  map[string]string
}

// New builds a Client authenticated from cfg.TokenEnvVar (or
// cfg.SandboxTokenEnvVar when cfg.Profile == "sandbox").
func New(cfg config.ForgeConfig, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	envVar := cfg.TokenEnvVar
	if cfg.Profile == "sandbox" && cfg.SandboxTokenEnvVar != "" {
		envVar = cfg.SandboxTokenEnvVar
	}
	token := os.Getenv(envVar)
	if token == "" {
		return nil, fmt.Errorf("forge: environment variable %s is not set", envVar)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "forge-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trips after 5 consecutive retriable failures (secondary rate
			// limits, 5xx), matching the teacher's preference for a
			// conservative breaker over hammering a struggling API.
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("forge: circuit breaker state change", "from", from, "to", to)
		},
	})

	gh := gogithub.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: configuring enterprise base URL: %w", err)
		}
	}

	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 10
	}

	return &Client{
		gh:      gh,
		cfg:     cfg,
		log:     log,
		limit:   rate.NewLimiter(rate.Limit(maxInFlight), maxInFlight),
		breaker: breaker,
		token:   token,
		etags:   make(map[string]string),
	}, nil
}

// AuthToken returns the token this client authenticates with, for callers
// that need it outside the REST/GraphQL surface (e.g. the worker's git
// push over HTTPS).
func (c *Client) AuthToken() string { return c.token }

// writeMethod reports whether method mutates forge state, for the sandbox
// tripwire.
func writeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// checkSandbox implements spec.md §4.3's sandbox tripwire: in profile
// "sandbox", writes are rejected before any network I/O unless the target
// repo matches {allowedOwners} x "{repoNamePrefix}*". GraphQL mutations are
// detected by a tokenized scan for the "mutation" keyword.
func (c *Client) checkSandbox(method, owner, repoName, graphqlBody string) error {
	if c.cfg.Profile != "sandbox" {
		return nil
	}
	isWrite := writeMethod(method) || isGraphQLMutation(graphqlBody)
	if !isWrite {
		return nil
	}
	if c.repoAllowed(owner, repoName) {
		return nil
	}
	return fmt.Errorf("SANDBOX TRIPWIRE: write to %s/%s rejected (profile=sandbox, allowedOwners=%v, repoNamePrefix=%q)",
		owner, repoName, c.cfg.AllowedOwners, c.cfg.RepoNamePrefix)
}

func (c *Client) repoAllowed(owner, repoName string) bool {
	ownerOK := false
	for _, o := range c.cfg.AllowedOwners {
		if strings.EqualFold(o, owner) {
			ownerOK = true
			break
		}
	}
	if !ownerOK {
		return false
	}
	if c.cfg.RepoNamePrefix == "" {
		return true
	}
	return strings.HasPrefix(repoName, c.cfg.RepoNamePrefix)
}

// isGraphQLMutation does a tokenized scan for a leading "mutation" keyword,
// not a substring match, so a query that merely mentions "mutation" in a
// string literal doesn't falsely trip the wire.
func isGraphQLMutation(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == '{' || r == '(' || r == ' ' || r == '\n' || r == '\t'
	})
	return len(fields) > 0 && fields[0] == "mutation"
}

// throttleAndBreak applies the global in-flight semaphore and the circuit
// breaker around fn, which performs the actual forge call.
func (c *Client) throttleAndBreak(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("forge: rate limiter: %w", err)
	}
	return c.breaker.Execute(fn)
}
