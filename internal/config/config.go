package config

import (
	"fmt"
	"math"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"pelletbridge/internal/chain"
)

// DefaultRPCURL is the fallback ledger endpoint (a local test node).
const DefaultRPCURL = "http://localhost:8899"

// Config is the recognized environment surface of the bridge.
type Config struct {
	Port        int    `env:"PORT" envDefault:"3001"`
	MetricsAddr string `env:"BRIDGE_METRICS_ADDR" envDefault:":9091"`
	DataDir     string `env:"BRIDGE_DATA_DIR" envDefault:"data"`

	RPCURL        string `env:"LEDGER_RPC_URL" envDefault:"http://localhost:8899"`
	TokenMint     string `env:"TOKEN_MINT"`
	TokenDecimals int    `env:"TOKEN_DECIMALS" envDefault:"6"`

	// CustodianSecretKey accepts a JSON byte array or base64.
	CustodianSecretKey string `env:"CUSTODIAN_SECRET_KEY"`

	// GamePerToken is the in-game-currency-per-token conversion factor.
	GamePerToken float64 `env:"GAME_PER_TOKEN" envDefault:"1"`

	// FeeBps wins when set; otherwise FeeFraction*10000 is used.
	FeeBps      int     `env:"FEE_BPS" envDefault:"-1"`
	FeeFraction float64 `env:"FEE" envDefault:"0"`

	// Derived at load time, not env-mapped.
	Custodian *chain.Keypair `env:"-"`
	Mint      chain.Address  `env:"-"`
}

// Load reads configuration from the environment. A missing or
// malformed custodian key or mint is a soft failure: it is logged once,
// transfers are disabled, and session/pellet flows keep working.
func Load(log zerolog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.TokenDecimals < 0 || cfg.TokenDecimals > 18 {
		return nil, fmt.Errorf("TOKEN_DECIMALS out of range: %d", cfg.TokenDecimals)
	}

	if cfg.CustodianSecretKey != "" {
		kp, err := chain.ParseSecretKey(cfg.CustodianSecretKey)
		if err != nil {
			log.Warn().Err(err).Msg("custodian key not loaded, transfers disabled")
		} else {
			cfg.Custodian = kp
		}
	} else {
		log.Warn().Msg("CUSTODIAN_SECRET_KEY unset, transfers disabled")
	}

	if cfg.TokenMint != "" {
		if !chain.ValidAddress(cfg.TokenMint) {
			log.Warn().Str("mint", cfg.TokenMint).Msg("TOKEN_MINT is not a valid address, transfers disabled")
		} else {
			cfg.Mint = chain.Address(cfg.TokenMint)
		}
	} else {
		log.Warn().Msg("TOKEN_MINT unset, transfers disabled")
	}

	return cfg, nil
}

// TransfersEnabled reports whether deposit and withdrawal settlement
// can run. Session and pellet flows do not depend on it.
func (c *Config) TransfersEnabled() bool {
	return c.Custodian != nil && c.Mint != ""
}

// ConversionFactor returns the game-units-per-token factor, clamped
// positive.
func (c *Config) ConversionFactor() float64 {
	if c.GamePerToken > 0 {
		return c.GamePerToken
	}
	return 1
}

// ResolvedFeeBps resolves the withdrawal fee in basis points. An
// explicit FEE_BPS wins over the FEE fraction.
func (c *Config) ResolvedFeeBps() int {
	if c.FeeBps >= 0 {
		return c.FeeBps
	}
	if c.FeeFraction > 0 {
		return int(math.Round(c.FeeFraction * 10000))
	}
	return 0
}

// ListenAddr formats the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
