// Package verifier asks the backend to re-check an orders account once the
// ledger has decided it is settled.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"order-ledger/internal/common/logger"
)

// ErrRejected means the backend answered but refused the check. It does not
// count against the circuit breaker.
var ErrRejected = errors.New("verifier: account check rejected")

type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// Breaker trips after this many consecutive transport or 5xx failures.
	MaxFailures uint32
	OpenFor     time.Duration
}

type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

func New(cfg Config, lg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("verifier: base url is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("verifier: base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if lg == nil {
		lg = logger.Nop()
	}
	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     lg,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "account-verifier",
		Timeout: cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("breaker_state_changed", map[string]any{"breaker": name, "from": from.String(), "to": to.String()})
		},
	})
	return c, nil
}

// VerifyAccount posts the check request for one account. Callers treat it as
// fire-and-forget; the error is only for logging.
func (c *Client) VerifyAccount(ctx context.Context, restaurantID, accountID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("verify account %s: %w", accountID, err)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, restaurantID, accountID)
	})
	if err != nil {
		return fmt.Errorf("verify account %s: %w", accountID, err)
	}
	c.log.Debug("account_verified", map[string]any{"restaurant_id": restaurantID, "orders_account_id": accountID})
	return nil
}

// State reports the breaker state: closed, half-open or open.
func (c *Client) State() string { return c.breaker.State().String() }

func (c *Client) post(ctx context.Context, restaurantID, accountID string) error {
	endpoint := fmt.Sprintf("%s/restaurants/%s/orders-accounts/%s/check",
		c.base, url.PathEscape(restaurantID), url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
