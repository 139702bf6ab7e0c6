package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	appledger "order-ledger/internal/app/ledger"
	"order-ledger/internal/common/config"
	"order-ledger/internal/common/logger"
	"order-ledger/internal/common/mq"
	"order-ledger/internal/mirror"
	"order-ledger/internal/notify"
)

type rootFlags struct {
	configPath string
	restaurant string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "restaurant-system",
		Short:         "Live order ledger for a restaurant's point of sale",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to YAML config (default: config.yaml if present)")
	root.PersistentFlags().StringVar(&f.restaurant, "restaurant", "", "restaurant id, overrides ledger.restaurant_id")

	root.AddCommand(ledgerCmd(f), notificationsCmd(f), snapshotCmd(f), versionCmd())
	return root
}

func (f *rootFlags) load() (config.App, error) {
	path := f.configPath
	if path == "" {
		found, err := config.FindConfig()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.App{}, err
		}
		path = found
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.App{}, err
	}
	if f.restaurant != "" {
		cfg.Ledger.RestaurantID = f.restaurant
	}
	return cfg, nil
}

func ledgerCmd(f *rootFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Run the live ledger and its tracking API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}
			lg := logger.New("order-ledger")
			lg.Info("service_started", map[string]any{"restaurant_id": cfg.Ledger.RestaurantID, "port": cfg.HTTP.Port, "version": version})
			return appledger.Run(cmd.Context(), cfg, lg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "tracking API port, overrides http.port")
	return cmd
}

func notificationsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "Print ledger notifications published to RabbitMQ",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if cfg.Rabbit.Host == "" {
				return errors.New("rabbitmq.host is not configured")
			}
			client, err := mq.Dial(mq.Config{
				Host: cfg.Rabbit.Host, Port: cfg.Rabbit.Port, User: cfg.Rabbit.User,
				Pass: cfg.Rabbit.Pass, VHost: cfg.Rabbit.VHost,
			})
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.DeclareNotifications(); err != nil {
				return err
			}
			msgs, stop, err := client.ConsumeFanout(mq.ExchangeNotifications, "")
			if err != nil {
				return err
			}
			defer stop()

			lg := logger.New("notification-subscriber")
			enc := json.NewEncoder(cmd.OutOrStdout())
			return notify.Watch(cmd.Context(), msgs, cfg.Ledger.RestaurantID, lg, func(ev notify.Event) {
				_ = enc.Encode(ev)
			})
		},
	}
}

func snapshotCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the snapshot mirrored to Redis by a running ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return errors.New("redis.addr is not configured")
			}
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()

			snap, found, err := mirror.Load(cmd.Context(), rdb, cfg.Ledger.RestaurantID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no snapshot mirrored for restaurant %q", cfg.Ledger.RestaurantID)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
