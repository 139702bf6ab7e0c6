package ledger

import (
	"time"

	"order-ledger/internal/clock"
	"order-ledger/internal/common/logger"
)

type settings struct {
	clk               clock.Clock
	log               *logger.Logger
	removalTimeout    time.Duration
	accountCheckDelay time.Duration
	refreshAfter      time.Duration
	checkInterval     time.Duration
	refreshDebounce   time.Duration
	callTimeout       time.Duration
}

func defaultSettings() settings {
	return settings{
		clk:               clock.System{},
		log:               logger.Nop(),
		removalTimeout:    10 * time.Second,
		accountCheckDelay: 5 * time.Second,
		refreshAfter:      3 * time.Minute,
		checkInterval:     5 * time.Second,
		refreshDebounce:   20 * time.Second,
		callTimeout:       10 * time.Second,
	}
}

type Option func(*settings)

func WithClock(c clock.Clock) Option { return func(s *settings) { s.clk = c } }

func WithLogger(l *logger.Logger) Option { return func(s *settings) { s.log = l } }

// WithRemovalTimeout sets how long a removal takes from 0 to 100 percent.
func WithRemovalTimeout(d time.Duration) Option { return func(s *settings) { s.removalTimeout = d } }

// WithAccountCheckDelay sets how long a settled account lingers before it is
// dropped and sent for server-side verification.
func WithAccountCheckDelay(d time.Duration) Option {
	return func(s *settings) { s.accountCheckDelay = d }
}

// WithRefreshAfter sets the silence after which the feed is re-subscribed.
func WithRefreshAfter(d time.Duration) Option { return func(s *settings) { s.refreshAfter = d } }

func WithCheckInterval(d time.Duration) Option { return func(s *settings) { s.checkInterval = d } }

func WithRefreshDebounce(d time.Duration) Option { return func(s *settings) { s.refreshDebounce = d } }

// WithCallTimeout bounds gateway invocations and verification requests
// the ledger makes on its own.
func WithCallTimeout(d time.Duration) Option { return func(s *settings) { s.callTimeout = d } }
