package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Gateway struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	DeviceID         string        `yaml:"device_id"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	ServerTimeout    time.Duration `yaml:"server_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type Ledger struct {
	RestaurantID      string        `yaml:"restaurant_id"`
	RemovalTimeout    time.Duration `yaml:"removal_timeout"`
	AccountCheckDelay time.Duration `yaml:"account_check_delay"`
	RefreshAfter      time.Duration `yaml:"refresh_after"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	RefreshDebounce   time.Duration `yaml:"refresh_debounce"`
}

type Verifier struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	Name     string `yaml:"database"`
	MaxConns int32  `yaml:"max_conns"`
}

type MQ struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	User  string `yaml:"user"`
	Pass  string `yaml:"password"`
	VHost string `yaml:"vhost"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type HTTP struct {
	Port int `yaml:"port"`
}

type App struct {
	Gateway  Gateway  `yaml:"gateway"`
	Ledger   Ledger   `yaml:"ledger"`
	Verifier Verifier `yaml:"verifier"`
	Database DB       `yaml:"database"`
	Rabbit   MQ       `yaml:"rabbitmq"`
	Redis    Redis    `yaml:"redis"`
	HTTP     HTTP     `yaml:"http"`
}

// Defaults mirrors the timings the live order screen has always used.
func Defaults() App {
	return App{
		Gateway: Gateway{
			KeepAlive:        3 * time.Second,
			ServerTimeout:    6 * time.Second,
			HandshakeTimeout: 15 * time.Second,
		},
		Ledger: Ledger{
			RemovalTimeout:    10 * time.Second,
			AccountCheckDelay: 5 * time.Second,
			RefreshAfter:      3 * time.Minute,
			CheckInterval:     5 * time.Second,
			RefreshDebounce:   20 * time.Second,
		},
		Verifier: Verifier{Timeout: 5 * time.Second, RatePerSecond: 5, Burst: 10},
		Database: DB{Port: 5432, MaxConns: 4},
		Rabbit:   MQ{Port: 5672, VHost: "/"},
		Redis:    Redis{TTL: 10 * time.Minute},
		HTTP:     HTTP{Port: 3002},
	}
}

// Load reads path over the defaults, then applies LEDGER_* environment overrides.
func Load(path string) (App, error) {
	a := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return App{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &a); err != nil {
			return App{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&a); err != nil {
		return App{}, err
	}
	if err := a.Validate(); err != nil {
		return App{}, err
	}
	return a, nil
}

func (a App) Validate() error {
	var errs []error
	if a.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	}
	if a.Ledger.RemovalTimeout <= 0 {
		errs = append(errs, errors.New("ledger.removal_timeout must be positive"))
	}
	if a.Ledger.CheckInterval <= 0 {
		errs = append(errs, errors.New("ledger.check_interval must be positive"))
	}
	if a.Ledger.RefreshAfter <= 0 {
		errs = append(errs, errors.New("ledger.refresh_after must be positive"))
	}
	if a.Database.Host != "" && (a.Database.User == "" || a.Database.Name == "") {
		errs = append(errs, errors.New("database config incomplete"))
	}
	if a.Rabbit.Host != "" && a.Rabbit.User == "" {
		errs = append(errs, errors.New("rabbitmq config incomplete"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnv(a *App) error {
	str := map[string]*string{
		"LEDGER_GATEWAY_URL":       &a.Gateway.URL,
		"LEDGER_GATEWAY_TOKEN":     &a.Gateway.Token,
		"LEDGER_DEVICE_ID":         &a.Gateway.DeviceID,
		"LEDGER_RESTAURANT_ID":     &a.Ledger.RestaurantID,
		"LEDGER_VERIFIER_BASE_URL": &a.Verifier.BaseURL,
		"LEDGER_DATABASE_HOST":     &a.Database.Host,
		"LEDGER_DATABASE_PASSWORD": &a.Database.Pass,
		"LEDGER_RABBITMQ_HOST":     &a.Rabbit.Host,
		"LEDGER_RABBITMQ_PASSWORD": &a.Rabbit.Pass,
		"LEDGER_REDIS_ADDR":        &a.Redis.Addr,
		"LEDGER_REDIS_PASSWORD":    &a.Redis.Password,
	}
	for k, dst := range str {
		if v, ok := os.LookupEnv(k); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("LEDGER_HTTP_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_HTTP_PORT: %w", err)
		}
		a.HTTP.Port = n
	}
	return nil
}

func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
