package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig
	Redis         RedisConfig
	Log           LogConfig
	Chain         ChainConfig
	Replay        ReplayConfig
	Settlement    SettlementConfig
	Native        NativeConfig
	Authorization AuthorizationConfig
	Token         TokenConfig
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"` // 0 disables the gRPC listener

	// GRPCMethods lists the full gRPC method names that require payment.
	// Empty gates every method.
	GRPCMethods []string `mapstructure:"grpc_methods"`

	// UpstreamURL, when set, proxies every paid /api request there instead
	// of serving the built-in demo resource.
	UpstreamURL string `mapstructure:"upstream_url"`
	UpstreamKey string `mapstructure:"upstream_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// ChainConfig bounds every RPC call made during verification.
type ChainConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

type ReplayConfig struct {
	Store         string        `mapstructure:"store"` // "redis" | "memory"
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SettlementConfig struct {
	LedgerURL   string        `mapstructure:"ledger_url"` // empty: record into Redis
	LedgerKey   string        `mapstructure:"ledger_key"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// SchemeConfig is the part shared by every payment scheme block.
type SchemeConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Network     string `mapstructure:"network"`
	ChainID     string `mapstructure:"chain_id"`
	RPCURL      string `mapstructure:"rpc_url"`
	Recipient   string `mapstructure:"recipient"`
	Asset       string `mapstructure:"asset"`
	Price       string `mapstructure:"price"`
	Decimals    int32  `mapstructure:"decimals"`
	Symbol      string `mapstructure:"symbol"`
	Description string `mapstructure:"description"`
}

// PriceAtomic parses Price as a positive base-10 integer.
func (s SchemeConfig) PriceAtomic() (*big.Int, error) {
	p, ok := new(big.Int).SetString(s.Price, 10)
	if !ok || p.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price %q", s.Price)
	}
	return p, nil
}

// EVMChainID parses ChainID as an EVM chain id.
func (s SchemeConfig) EVMChainID() (*big.Int, error) {
	id, ok := new(big.Int).SetString(s.ChainID, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id %q", s.ChainID)
	}
	return id, nil
}

type NativeConfig struct {
	SchemeConfig     `mapstructure:",squash"`
	MinConfirmations uint64        `mapstructure:"min_confirmations"`
	ClaimTTL         time.Duration `mapstructure:"claim_ttl"` // 0 keeps claims forever
}

type AuthorizationConfig struct {
	SchemeConfig  `mapstructure:",squash"`
	DomainName    string `mapstructure:"domain_name"`
	DomainVersion string `mapstructure:"domain_version"`
}

type TokenConfig struct {
	SchemeConfig `mapstructure:",squash"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl"`
	Commitment   string        `mapstructure:"commitment"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.timeout", 5*time.Second)
	v.SetDefault("chain.retries", 2)
	v.SetDefault("chain.backoff", 200*time.Millisecond)
	v.SetDefault("replay.store", "redis")
	v.SetDefault("replay.sweep_interval", time.Minute)
	v.SetDefault("settlement.max_attempts", 5)
	v.SetDefault("settlement.poll_timeout", 5*time.Second)
	v.SetDefault("native.asset", "native")
	v.SetDefault("native.decimals", 18)
	v.SetDefault("native.symbol", "ETH")
	v.SetDefault("native.min_confirmations", 1)
	v.SetDefault("authorization.decimals", 6)
	v.SetDefault("authorization.symbol", "USDC")
	v.SetDefault("authorization.domain_name", "USD Coin")
	v.SetDefault("authorization.domain_version", "2")
	v.SetDefault("token.network", "solana:mainnet-beta")
	v.SetDefault("token.chain_id", "mainnet-beta")
	v.SetDefault("token.decimals", 6)
	v.SetDefault("token.symbol", "USDC")
	v.SetDefault("token.claim_ttl", 10*time.Minute)
	v.SetDefault("token.commitment", "confirmed")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                  "PORT",
		"server.grpc_port":             "GRPC_PORT",
		"server.grpc_methods":          "GRPC_GATED_METHODS",
		"server.upstream_url":          "UPSTREAM_URL",
		"server.upstream_key":          "UPSTREAM_API_KEY",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"log.development":              "LOG_DEVELOPMENT",
		"chain.timeout":                "RPC_TIMEOUT",
		"chain.retries":                "RPC_RETRIES",
		"chain.backoff":                "RPC_BACKOFF",
		"replay.store":                 "REPLAY_STORE",
		"settlement.ledger_url":        "LEDGER_URL",
		"settlement.ledger_key":        "LEDGER_API_KEY",
		"settlement.max_attempts":      "SETTLEMENT_MAX_ATTEMPTS",
		"native.enabled":               "NATIVE_ENABLED",
		"native.network":               "NATIVE_NETWORK",
		"native.chain_id":              "NATIVE_CHAIN_ID",
		"native.rpc_url":               "NATIVE_RPC_URL",
		"native.recipient":             "NATIVE_RECIPIENT",
		"native.price":                 "NATIVE_PRICE",
		"native.min_confirmations":     "NATIVE_MIN_CONFIRMATIONS",
		"authorization.enabled":        "AUTH_ENABLED",
		"authorization.network":        "AUTH_NETWORK",
		"authorization.chain_id":       "AUTH_CHAIN_ID",
		"authorization.rpc_url":        "AUTH_RPC_URL",
		"authorization.recipient":      "AUTH_RECIPIENT",
		"authorization.asset":          "AUTH_TOKEN_ADDRESS",
		"authorization.price":          "AUTH_PRICE",
		"authorization.domain_name":    "AUTH_DOMAIN_NAME",
		"authorization.domain_version": "AUTH_DOMAIN_VERSION",
		"token.enabled":                "TOKEN_ENABLED",
		"token.network":                "TOKEN_NETWORK",
		"token.chain_id":               "TOKEN_CLUSTER",
		"token.rpc_url":                "TOKEN_RPC_URL",
		"token.recipient":              "TOKEN_RECIPIENT",
		"token.asset":                  "TOKEN_MINT",
		"token.price":                  "TOKEN_PRICE",
		"token.decimals":               "TOKEN_DECIMALS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyNetworks()

	return cfg, cfg.validate()
}

// applyNetworks fills EVM network ids from their chain id when unset.
func (c *Config) applyNetworks() {
	if c.Native.Network == "" && c.Native.ChainID != "" {
		c.Native.Network = "eip155:" + c.Native.ChainID
	}
	if c.Authorization.Network == "" && c.Authorization.ChainID != "" {
		c.Authorization.Network = "eip155:" + c.Authorization.ChainID
	}
}

func (c *Config) validate() error {
	if !c.Native.Enabled && !c.Authorization.Enabled && !c.Token.Enabled {
		return fmt.Errorf("required config missing: one of NATIVE_ENABLED, AUTH_ENABLED, TOKEN_ENABLED")
	}
	if c.Replay.Store != "redis" && c.Replay.Store != "memory" {
		return fmt.Errorf("invalid REPLAY_STORE %q", c.Replay.Store)
	}

	type req struct {
		val  string
		name string
	}
	var reqs []req
	if c.Native.Enabled {
		reqs = append(reqs,
			req{c.Native.RPCURL, "NATIVE_RPC_URL"},
			req{c.Native.ChainID, "NATIVE_CHAIN_ID"},
			req{c.Native.Recipient, "NATIVE_RECIPIENT"},
			req{c.Native.Price, "NATIVE_PRICE"},
		)
	}
	if c.Authorization.Enabled {
		reqs = append(reqs,
			req{c.Authorization.RPCURL, "AUTH_RPC_URL"},
			req{c.Authorization.ChainID, "AUTH_CHAIN_ID"},
			req{c.Authorization.Recipient, "AUTH_RECIPIENT"},
			req{c.Authorization.Asset, "AUTH_TOKEN_ADDRESS"},
			req{c.Authorization.Price, "AUTH_PRICE"},
			req{c.Authorization.DomainName, "AUTH_DOMAIN_NAME"},
			req{c.Authorization.DomainVersion, "AUTH_DOMAIN_VERSION"},
		)
	}
	if c.Token.Enabled {
		reqs = append(reqs,
			req{c.Token.RPCURL, "TOKEN_RPC_URL"},
			req{c.Token.Recipient, "TOKEN_RECIPIENT"},
			req{c.Token.Asset, "TOKEN_MINT"},
			req{c.Token.Price, "TOKEN_PRICE"},
		)
	}
	for _, r := range reqs {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}

	for _, s := range []SchemeConfig{c.Native.SchemeConfig, c.Authorization.SchemeConfig, c.Token.SchemeConfig} {
		if !s.Enabled {
			continue
		}
		if _, err := s.PriceAtomic(); err != nil {
			return err
		}
	}
	for _, s := range []SchemeConfig{c.Native.SchemeConfig, c.Authorization.SchemeConfig} {
		if !s.Enabled {
			continue
		}
		if _, err := s.EVMChainID(); err != nil {
			return err
		}
	}
	return nil
}
