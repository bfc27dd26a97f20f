// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/blockspammer/internal/bundle"
)

// Head sources.
const (
	HeadSourceWS   = "ws"
	HeadSourcePoll = "poll"
)

// Config holds spammer configuration.
type Config struct {
	RPCURL       string
	WSURL        string // newHeads endpoint; derived from RPCURL when empty
	HeadSource   string // "ws" or "poll"
	PollInterval time.Duration

	TxsPerBlock int
	Blocks      int

	Persist      bool   // record the run in the database
	RunName      string // stored with the run
	DatabasePath string

	PrivateKeys     []string // funded keys; the first also funds the pool
	PoolSize        int      // extra deterministic senders derived from PoolSeed
	PoolSeed        string
	MinBalanceEther string // pool accounts below this are topped up
	FundEther       string // amount sent to each underfunded pool account

	PlanPath  string   // YAML spam plan; built-in transfer plan when empty
	Contracts []string // name=address pairs reused instead of deploying "@name" plan targets

	BundleVenue    string
	BundleRelayURL string
	BundleAuthKey  string

	MaxInFlight     int
	DrainAttempts   int
	DrainInterval   time.Duration
	ConfirmReceipts bool
	Legacy          bool // type 0 transactions; false sends EIP-1559

	ListenAddr         string // HTTP API; disabled when empty
	CORSAllowedOrigins string
	LogLevel           string
}

// Defaults
const (
	DefaultRPCURL             = "http://localhost:8545"
	DefaultHeadSource         = HeadSourceWS
	DefaultPollInterval       = time.Second
	DefaultTxsPerBlock        = 10
	DefaultBlocks             = 10
	DefaultDatabasePath       = "./data/spammer.db"
	DefaultPoolSeed           = "blockspammer"
	DefaultMinBalanceEther    = "0.1"
	DefaultFundEther          = "1"
	DefaultBundleVenue        = "none"
	DefaultDrainAttempts      = 12
	DefaultDrainInterval      = time.Second
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultLegacy             = true
	MaxPoolSize               = 5000
	TxsPerSenderPerBlock      = 16 // geth txpool executable slots per account
)

// RecommendedSenders returns how many senders keep each one within
// TxsPerSenderPerBlock for a given batch size.
func RecommendedSenders(txsPerBlock int) int {
	if txsPerBlock <= 0 {
		return 1
	}
	return (txsPerBlock + TxsPerSenderPerBlock - 1) / TxsPerSenderPerBlock
}

// CheckSenderSufficiency returns a warning when senders is too small for
// txsPerBlock, and an empty string otherwise.
func CheckSenderSufficiency(senders, txsPerBlock int) string {
	if senders <= 0 || txsPerBlock <= 0 {
		return ""
	}
	recommended := RecommendedSenders(txsPerBlock)
	if senders >= recommended {
		return ""
	}
	return fmt.Sprintf(
		"Too few senders for batch size: %d senders must each queue ~%d txs per block (txpool slots: %d). "+
			"Recommended: %d senders (raise -pool).",
		senders, (txsPerBlock+senders-1)/senders, TxsPerSenderPerBlock, recommended,
	)
}

// Load reads configuration from environment variables and then the given
// command-line arguments. Flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		RPCURL:             DefaultRPCURL,
		HeadSource:         DefaultHeadSource,
		PollInterval:       DefaultPollInterval,
		TxsPerBlock:        DefaultTxsPerBlock,
		Blocks:             DefaultBlocks,
		DatabasePath:       DefaultDatabasePath,
		PoolSeed:           DefaultPoolSeed,
		MinBalanceEther:    DefaultMinBalanceEther,
		FundEther:          DefaultFundEther,
		BundleVenue:        DefaultBundleVenue,
		DrainAttempts:      DefaultDrainAttempts,
		DrainInterval:      DefaultDrainInterval,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
		Legacy:             DefaultLegacy,
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("spammer", flag.ContinueOnError)
	var keys, contracts string
	var eip1559 bool
	fs.StringVar(&cfg.RPCURL, "rpc", cfg.RPCURL, "JSON-RPC URL")
	fs.StringVar(&cfg.WSURL, "ws", cfg.WSURL, "WebSocket URL for newHeads (default: derived from -rpc)")
	fs.StringVar(&cfg.HeadSource, "heads", cfg.HeadSource, "Head source: ws or poll")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Block filter poll interval")
	fs.IntVar(&cfg.TxsPerBlock, "txs", cfg.TxsPerBlock, "Intents dispatched per block")
	fs.IntVar(&cfg.Blocks, "blocks", cfg.Blocks, "Number of blocks to spam")
	fs.BoolVar(&cfg.Persist, "persist", cfg.Persist, "Record the run and its outcomes in the database")
	fs.StringVar(&cfg.RunName, "name", cfg.RunName, "Run name stored with the run")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite database path")
	fs.StringVar(&keys, "keys", strings.Join(cfg.PrivateKeys, ","), "Comma-separated hex private keys")
	fs.IntVar(&cfg.PoolSize, "pool", cfg.PoolSize, "Derived sender accounts funded from the first key")
	fs.StringVar(&cfg.PoolSeed, "pool-seed", cfg.PoolSeed, "Seed for derived sender accounts")
	fs.StringVar(&cfg.MinBalanceEther, "min-balance", cfg.MinBalanceEther, "Minimum pool account balance in ether")
	fs.StringVar(&cfg.FundEther, "fund", cfg.FundEther, "Ether sent to each underfunded pool account")
	fs.StringVar(&cfg.PlanPath, "plan", cfg.PlanPath, "YAML spam plan")
	fs.StringVar(&contracts, "contracts", strings.Join(cfg.Contracts, ","), "Comma-separated name=address contracts to reuse")
	fs.StringVar(&cfg.BundleVenue, "bundles", cfg.BundleVenue, "Bundle venue: "+strings.Join(bundle.DefaultRegistry().Names(), ", "))
	fs.StringVar(&cfg.BundleRelayURL, "relay", cfg.BundleRelayURL, "Bundle relay URL")
	fs.StringVar(&cfg.BundleAuthKey, "relay-key", cfg.BundleAuthKey, "Hex key used to sign relay requests")
	fs.IntVar(&cfg.MaxInFlight, "max-inflight", cfg.MaxInFlight, "Cap on concurrent send tasks (0 = unbounded)")
	fs.IntVar(&cfg.DrainAttempts, "drain-attempts", cfg.DrainAttempts, "Flush attempts after the last block")
	fs.DurationVar(&cfg.DrainInterval, "drain-interval", cfg.DrainInterval, "Pause between drain attempts")
	fs.BoolVar(&cfg.ConfirmReceipts, "confirm", cfg.ConfirmReceipts, "Hold outcomes until receipts are available")
	fs.BoolVar(&cfg.Legacy, "legacy", cfg.Legacy, "Send legacy (type 0) transactions")
	fs.BoolVar(&eip1559, "eip1559", false, "Send EIP-1559 transactions (same as -legacy=false)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.PrivateKeys = splitList(keys)
	cfg.Contracts = splitList(contracts)
	if eip1559 {
		cfg.Legacy = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("RPC_URL"); v != "" {
		c.RPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("HEAD_SOURCE"); v != "" {
		c.HeadSource = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("PRIVATE_KEYS"); v != "" {
		c.PrivateKeys = splitList(v)
	}
	if v := os.Getenv("POOL_SEED"); v != "" {
		c.PoolSeed = v
	}
	if v := os.Getenv("PLAN_PATH"); v != "" {
		c.PlanPath = v
	}
	if v := os.Getenv("CONTRACTS"); v != "" {
		c.Contracts = splitList(v)
	}
	if v := os.Getenv("BUNDLE_VENUE"); v != "" {
		c.BundleVenue = v
	}
	if v := os.Getenv("BUNDLE_RELAY_URL"); v != "" {
		c.BundleRelayURL = v
	}
	if v := os.Getenv("BUNDLE_AUTH_KEY"); v != "" {
		c.BundleAuthKey = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POOL_SIZE: %w", err)
		}
		c.PoolSize = n
	}
	if v := os.Getenv("MAX_IN_FLIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_IN_FLIGHT: %w", err)
		}
		c.MaxInFlight = n
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if c.HeadSource != HeadSourceWS && c.HeadSource != HeadSourcePoll {
		return fmt.Errorf("invalid head source: %s (valid: ws, poll)", c.HeadSource)
	}
	if c.HeadSource == HeadSourcePoll && c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.TxsPerBlock <= 0 {
		return fmt.Errorf("txs per block must be positive")
	}
	if c.Blocks <= 0 {
		return fmt.Errorf("block count must be positive")
	}
	if c.Persist && c.DatabasePath == "" {
		return fmt.Errorf("database path is required when persisting")
	}
	if len(c.PrivateKeys) == 0 {
		return fmt.Errorf("at least one private key is required")
	}
	if c.PoolSize < 0 || c.PoolSize > MaxPoolSize {
		return fmt.Errorf("pool size must be between 0 and %d", MaxPoolSize)
	}
	if c.PoolSize > 0 {
		if _, err := EtherToWei(c.MinBalanceEther); err != nil {
			return fmt.Errorf("min balance: %w", err)
		}
		if _, err := EtherToWei(c.FundEther); err != nil {
			return fmt.Errorf("fund amount: %w", err)
		}
	}
	venue := bundle.DefaultRegistry().Get(c.BundleVenue)
	if venue == nil {
		return fmt.Errorf("unknown bundle venue: %s (supported: %s)", c.BundleVenue, strings.Join(bundle.DefaultRegistry().Names(), ", "))
	}
	if venue.RequiresAuth && (c.BundleRelayURL == "" || c.BundleAuthKey == "") {
		return fmt.Errorf("bundle venue %s needs a relay URL and auth key", c.BundleVenue)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max in-flight cannot be negative")
	}
	if c.DrainAttempts <= 0 {
		return fmt.Errorf("drain attempts must be positive")
	}
	if c.DrainInterval < 0 {
		return fmt.Errorf("drain interval cannot be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return level, nil
}

var weiPerEther = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// EtherToWei converts a decimal ether amount such as "0.5" to wei.
// Fractions below one wei are rejected.
func EtherToWei(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("invalid ether amount: %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative ether amount: %q", s)
	}
	r.Mul(r, weiPerEther)
	if !r.IsInt() {
		return nil, fmt.Errorf("ether amount %q has more than 18 decimals", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
