package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/hyperfront/hyperfront/hl"
	"github.com/hyperfront/hyperfront/hl/ws"
	hflog "github.com/hyperfront/hyperfront/log"
)

type AppConfig struct {
	APIURL  string
	WSURL   string
	Testnet bool

	Wallet     string
	keyRaw     string
	keyFile    string
	PrivateKey string

	SignatureChainID int64
	BuilderAddress   string
	BuilderFee       int
	Slippage         float64

	StoragePath       string
	TrailingNamespace string

	PingInterval      time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	LogLevel      string
	LogFormatJSON bool
	LogGroups     []string
	LogFile       string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		APIURL:           hl.TestnetAPIURL,
		WSURL:            ws.TestnetWSURL,
		Testnet:          true,
		SignatureChainID: 42161,
		Slippage:         hl.DefaultSlippage,
		StoragePath:      "db.sqlite3",
		PingInterval:     30 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     10 * time.Second,
		LogLevel:         "info",
		LogFormatJSON:    false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("hyperfront", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "Hyperliquid API base URL (env: HYPERLIQUID_API_URL)")
	fs.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "Hyperliquid websocket URL (env: HYPERLIQUID_WS_URL)")
	fs.BoolVar(&cfg.Testnet, "testnet", cfg.Testnet, "Sign for the testnet environment (env: HYPERLIQUID_TESTNET)")

	fs.StringVar(&cfg.Wallet, "wallet", cfg.Wallet, "Trading wallet address (env: HYPERLIQUID_WALLET)")
	fs.StringVar(&cfg.keyRaw, "private-key", cfg.keyRaw, "Agent private key hex (env: HYPERLIQUID_PRIVATE_KEY)")
	fs.StringVar(&cfg.keyFile, "private-key-file", cfg.keyFile, "Agent private key file (env: HYPERLIQUID_PRIVATE_KEY_FILE). Overrides private-key if set.")

	fs.Int64Var(&cfg.SignatureChainID, "signature-chain-id", cfg.SignatureChainID, "Wallet chain id for user-signed actions (env: HYPERFRONT_SIGNATURE_CHAIN_ID)")
	fs.StringVar(&cfg.BuilderAddress, "builder", cfg.BuilderAddress, "Builder fee address (env: HYPERFRONT_BUILDER)")
	fs.IntVar(&cfg.BuilderFee, "builder-fee", cfg.BuilderFee, "Builder fee in tenths of a basis point (env: HYPERFRONT_BUILDER_FEE)")
	fs.Float64Var(&cfg.Slippage, "slippage", cfg.Slippage, "Market order slippage fraction (env: HYPERFRONT_SLIPPAGE)")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite storage path (env: HYPERFRONT_STORAGE_PATH)")
	fs.StringVar(&cfg.TrailingNamespace, "trailing-namespace", cfg.TrailingNamespace, "Trailing order namespace, defaults to the wallet address (env: HYPERFRONT_TRAILING_NAMESPACE)")

	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Websocket keepalive interval (env: HYPERFRONT_PING_INTERVAL)")
	fs.DurationVar(&cfg.ReconnectMin, "reconnect-min", cfg.ReconnectMin, "Minimum websocket reconnect delay (env: HYPERFRONT_RECONNECT_MIN)")
	fs.DurationVar(&cfg.ReconnectMax, "reconnect-max", cfg.ReconnectMax, "Maximum websocket reconnect delay (env: HYPERFRONT_RECONNECT_MAX)")
	fs.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", cfg.ReconnectAttempts, "Reconnect attempts before giving up, 0 for unlimited (env: HYPERFRONT_RECONNECT_ATTEMPTS)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: HYPERFRONT_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: HYPERFRONT_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Restrict logs to these slog groups, empty for all (env: HYPERFRONT_LOG_GROUPS)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also append JSON logs to this file (env: HYPERFRONT_LOG_FILE)")

	return fs
}

// ApplyEnvDefaults inspects flags that were left at their zero value and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setInt64 := func(name, envKey string, target *int64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*target = parsed
			}
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}

	setString("api-url", "HYPERLIQUID_API_URL", &cfg.APIURL)
	setString("ws-url", "HYPERLIQUID_WS_URL", &cfg.WSURL)
	setBool("testnet", "HYPERLIQUID_TESTNET", &cfg.Testnet)

	setString("wallet", "HYPERLIQUID_WALLET", &cfg.Wallet)
	setString("private-key", "HYPERLIQUID_PRIVATE_KEY", &cfg.keyRaw)
	setString("private-key-file", "HYPERLIQUID_PRIVATE_KEY_FILE", &cfg.keyFile)

	setInt64("signature-chain-id", "HYPERFRONT_SIGNATURE_CHAIN_ID", &cfg.SignatureChainID)
	setString("builder", "HYPERFRONT_BUILDER", &cfg.BuilderAddress)
	setInt("builder-fee", "HYPERFRONT_BUILDER_FEE", &cfg.BuilderFee)
	setFloat("slippage", "HYPERFRONT_SLIPPAGE", &cfg.Slippage)

	setString("storage-path", "HYPERFRONT_STORAGE_PATH", &cfg.StoragePath)
	setString("trailing-namespace", "HYPERFRONT_TRAILING_NAMESPACE", &cfg.TrailingNamespace)

	setDuration("ping-interval", "HYPERFRONT_PING_INTERVAL", &cfg.PingInterval)
	setDuration("reconnect-min", "HYPERFRONT_RECONNECT_MIN", &cfg.ReconnectMin)
	setDuration("reconnect-max", "HYPERFRONT_RECONNECT_MAX", &cfg.ReconnectMax)
	setInt("reconnect-attempts", "HYPERFRONT_RECONNECT_ATTEMPTS", &cfg.ReconnectAttempts)

	setString("log-level", "HYPERFRONT_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "HYPERFRONT_LOG_JSON", &cfg.LogFormatJSON)
	if _, ok := flagSet["log-groups"]; !ok {
		if v, ok := os.LookupEnv("HYPERFRONT_LOG_GROUPS"); ok && v != "" {
			cfg.LogGroups = strings.Split(v, ",")
		}
	}
	setString("log-file", "HYPERFRONT_LOG_FILE", &cfg.LogFile)

	if cfg.keyFile != "" {
		raw, err := os.ReadFile(cfg.keyFile)
		if err != nil {
			return fmt.Errorf("reading private key from %q: %w", cfg.keyFile, err)
		}
		cfg.PrivateKey = strings.TrimSpace(string(raw))
	} else {
		cfg.PrivateKey = strings.TrimSpace(cfg.keyRaw)
	}

	if cfg.TrailingNamespace == "" {
		cfg.TrailingNamespace = strings.ToLower(cfg.Wallet)
	}
	return nil
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if cfg.Wallet == "" {
		missing = append(missing, "wallet")
	}
	if cfg.PrivateKey == "" {
		missing = append(missing, "private-key or private-key-file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if cfg.BuilderAddress != "" && cfg.BuilderFee <= 0 {
		return fmt.Errorf("builder-fee must be positive when builder is set")
	}
	if cfg.Slippage <= 0 || cfg.Slippage >= 1 {
		return fmt.Errorf("slippage must be within (0, 1), got %v", cfg.Slippage)
	}
	return nil
}

// GetLogHandler builds the process log handler: stderr in the configured
// format, optionally fanned out to an append-only JSON file.
func GetLogHandler(cfg AppConfig) (slog.Handler, error) {
	stderr := hflog.NewHandler(os.Stderr, cfg.LogLevel, cfg.LogFormatJSON, cfg.LogGroups)
	if cfg.LogFile == "" {
		return stderr, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %q: %w", cfg.LogFile, err)
	}
	file := hflog.NewHandler(f, cfg.LogLevel, true, cfg.LogGroups)
	return hflog.NewMultiHandler(stderr, file), nil
}
