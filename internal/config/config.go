// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty  bool   `env:"LOG_PRETTY" envDefault:"false"`

	// Payment gate.
	FacilitatorURL string        `env:"FACILITATOR_URL,notEmpty"`
	PayTo          string        `env:"PAY_TO_ADDRESS,notEmpty"`
	AssetAddress   string        `env:"ASSET_ADDRESS,notEmpty"`
	PriceAtomic    string        `env:"PRICE_ATOMIC" envDefault:"10000"`
	Network        string        `env:"PAYMENT_NETWORK" envDefault:"eip155:84532"`
	InitTimeout    time.Duration `env:"FACILITATOR_INIT_TIMEOUT" envDefault:"10s"`

	// Ledger.
	RPCURL          string        `env:"RPC_URL,notEmpty"`
	RegistryAddress string        `env:"REGISTRY_ADDRESS,notEmpty"`
	OperatorKey     string        `env:"OPERATOR_PRIVATE_KEY,notEmpty,unset"`
	ChainID         int64         `env:"CHAIN_ID" envDefault:"84532"`
	ConfirmTimeout  time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"90s"`
	ConfirmPoll     time.Duration `env:"CONFIRM_POLL_INTERVAL" envDefault:"2s"`

	// Storage.
	PinnerURL string `env:"PINNER_URL" envDefault:"https://api.pinata.cloud"`
	PinnerJWT string `env:"PINNER_JWT,notEmpty"`

	ExplorerBaseURL string `env:"EXPLORER_BASE_URL" envDefault:"https://sepolia.basescan.org"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("PAY_TO_ADDRESS %q is not a valid address", cfg.PayTo)
	}
	if !common.IsHexAddress(cfg.AssetAddress) {
		return nil, fmt.Errorf("ASSET_ADDRESS %q is not a valid address", cfg.AssetAddress)
	}
	if !common.IsHexAddress(cfg.RegistryAddress) {
		return nil, fmt.Errorf("REGISTRY_ADDRESS %q is not a valid address", cfg.RegistryAddress)
	}
	if _, ok := new(big.Int).SetString(cfg.PriceAtomic, 10); !ok {
		return nil, fmt.Errorf("PRICE_ATOMIC %q is not a base-10 integer", cfg.PriceAtomic)
	}
	return &cfg, nil
}
