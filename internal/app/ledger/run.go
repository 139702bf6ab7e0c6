// Package ledger wires the live order ledger service together from config.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"order-ledger/internal/app/tracking"
	"order-ledger/internal/common/config"
	"order-ledger/internal/common/db"
	"order-ledger/internal/common/logger"
	"order-ledger/internal/common/mq"
	"order-ledger/internal/gateway"
	core "order-ledger/internal/ledger"
	"order-ledger/internal/metrics"
	"order-ledger/internal/mirror"
	"order-ledger/internal/notify"
	"order-ledger/internal/repository"
	"order-ledger/internal/verifier"
)

const (
	sinkQueueSize = 1024
	connectRetry  = 5 * time.Second
)

// Run connects to the realtime hub, keeps the ledger for cfg's restaurant
// and serves the tracking API until ctx ends. Postgres, RabbitMQ and Redis
// are optional: a sink whose host is not configured is skipped.
func Run(ctx context.Context, cfg config.App, lg *logger.Logger) error {
	rid := cfg.Ledger.RestaurantID
	if rid == "" {
		return errors.New("restaurant id is required")
	}

	gw := gateway.New(gateway.Config{
		URL:              cfg.Gateway.URL,
		Token:            cfg.Gateway.Token,
		DeviceID:         cfg.Gateway.DeviceID,
		KeepAlive:        cfg.Gateway.KeepAlive,
		ServerTimeout:    cfg.Gateway.ServerTimeout,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
	}, lg.With("gateway"))

	var (
		check core.AccountVerifier
		vc    *verifier.Client
	)
	if cfg.Verifier.BaseURL != "" {
		v, err := verifier.New(verifier.Config{
			BaseURL:       cfg.Verifier.BaseURL,
			Token:         cfg.Gateway.Token,
			Timeout:       cfg.Verifier.Timeout,
			RatePerSecond: cfg.Verifier.RatePerSecond,
			Burst:         cfg.Verifier.Burst,
		}, lg.With("verifier"))
		if err != nil {
			return err
		}
		check, vc = v, v
	}

	l := core.New(gw, check,
		core.WithLogger(lg.With("ledger")),
		core.WithRemovalTimeout(cfg.Ledger.RemovalTimeout),
		core.WithAccountCheckDelay(cfg.Ledger.AccountCheckDelay),
		core.WithRefreshAfter(cfg.Ledger.RefreshAfter),
		core.WithCheckInterval(cfg.Ledger.CheckInterval),
		core.WithRefreshDebounce(cfg.Ledger.RefreshDebounce),
	)

	reg := metrics.New()
	reg.Attach(l.Bus())
	api := tracking.NewHandler(l, gw, reg.Gatherer())
	if vc != nil {
		api.AddBreaker("verifier", vc.State)
	}

	var (
		wg      sync.WaitGroup
		closers []func()
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer func() {
		stopSinks()
		wg.Wait()
	}()
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(sinkCtx)
		}()
	}

	if cfg.Database.Host != "" {
		conn, err := db.Connect(ctx, db.Config{
			Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
			Pass: cfg.Database.Pass, Name: cfg.Database.Name, MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		closers = append(closers, conn.Close)
		archive := repository.NewRemovalArchive(conn.Pool, rid, sinkQueueSize, lg.With("archive"))
		if err := archive.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
		archive.Attach(l.Bus())
		spawn(archive.Run)
		lg.Info("sink_enabled", map[string]any{"sink": "postgres"})
	}

	if cfg.Rabbit.Host != "" {
		client, err := mq.Dial(mq.Config{
			Host: cfg.Rabbit.Host, Port: cfg.Rabbit.Port, User: cfg.Rabbit.User,
			Pass: cfg.Rabbit.Pass, VHost: cfg.Rabbit.VHost,
		})
		if err != nil {
			return err
		}
		closers = append(closers, client.Close)
		if err := client.DeclareNotifications(); err != nil {
			return err
		}
		api.AddPing("rabbitmq", client.Ping)
		fwd := notify.NewForwarder(client, rid, sinkQueueSize, lg.With("notify"))
		fwd.Attach(l.Bus())
		spawn(fwd.Run)
		lg.Info("sink_enabled", map[string]any{"sink": "rabbitmq"})
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		m := mirror.New(rdb, rid, cfg.Redis.TTL, sinkQueueSize, lg.With("mirror"))
		m.Attach(l.Bus())
		spawn(m.Run)
		lg.Info("sink_enabled", map[string]any{"sink": "redis"})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var svc sync.WaitGroup
	errCh := make(chan error, 2)
	svc.Add(3)
	go func() {
		defer svc.Done()
		if err := gw.Run(runCtx); err != nil && !errors.Is(err, gateway.ErrClosed) {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		defer svc.Done()
		if err := tracking.Run(runCtx, cfg.HTTP.Port, api, lg.With("http")); err != nil {
			errCh <- fmt.Errorf("tracking api: %w", err)
		}
	}()
	go func() {
		defer svc.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			reg.SetGatewayConnected(gw.Connected())
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
			}
		}
	}()

	connectCtx, stopConnect := context.WithCancel(runCtx)
	connected := make(chan struct{})
	go func() {
		defer close(connected)
		for {
			err := l.Connect(connectCtx, rid)
			if err == nil || connectCtx.Err() != nil {
				return
			}
			lg.Error("orders_feed_subscribe_failed", err, map[string]any{"restaurant_id": rid})
			if leftToReconnect(err, l.RestaurantID()) {
				lg.Info("orders_feed_subscribe_deferred", map[string]any{"restaurant_id": rid})
				return
			}
			select {
			case <-time.After(connectRetry):
			case <-connectCtx.Done():
				return
			}
		}
	}()
	lg.Info("ledger_running", map[string]any{"restaurant_id": rid, "port": cfg.HTTP.Port})

	var runErr error
	select {
	case <-runCtx.Done():
	case runErr = <-errCh:
	}

	stopConnect()
	<-connected
	tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
	l.Teardown(tctx)
	tcancel()
	cancel()
	_ = gw.Close()
	svc.Wait()
	lg.Info("graceful_shutdown", map[string]any{"restaurant_id": rid})
	return runErr
}

// leftToReconnect reports whether a failed subscribe needs no retry: the hub
// dropped after the handshake, and the ledger re-subscribes restaurantID from
// the gateway's reconnect callback.
func leftToReconnect(err error, restaurantID string) bool {
	return restaurantID != "" && errors.Is(err, gateway.ErrNotConnected)
}
