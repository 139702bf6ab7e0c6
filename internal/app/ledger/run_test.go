package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-ledger/internal/common/config"
	"order-ledger/internal/common/logger"
	"order-ledger/internal/gateway"
)

func TestRunRequiresRestaurant(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.URL = "ws://127.0.0.1:1/hub"
	err := Run(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "restaurant id")
}

func TestRunShutsDownCleanlyWithoutHub(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.URL = "ws://127.0.0.1:1/hub"
	cfg.Ledger.RestaurantID = "r-1"
	cfg.HTTP.Port = 0

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, logger.Nop()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after its context ended")
	}
}

func TestSubscribeRetryLeavesDroppedHubToReconnect(t *testing.T) {
	dropped := fmt.Errorf("subscribe orders feed: invoke Subscribe: %w", gateway.ErrNotConnected)

	assert.True(t, leftToReconnect(dropped, "r-1"))
	assert.False(t, leftToReconnect(dropped, ""))
	assert.False(t, leftToReconnect(errors.New("invoke Subscribe: restaurant unknown"), "r-1"))
	assert.False(t, leftToReconnect(context.DeadlineExceeded, "r-1"))
}
