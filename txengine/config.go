package txengine

import (
	"errors"
	"math/big"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var ErrInvalidProviderConfig = errors.New("invalid provider specification")

// PoolConfig sizes one connection pool. Every recognized option is listed
// here; there is no open-ended option map.
type PoolConfig struct {
	MinConnections      int
	MaxConnections      int
	IdleTimeout         time.Duration
	ReapInterval        time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	// UnhealthyErrorThreshold is the consecutive probe error count past
	// which an idle connection becomes a reaping candidate.
	UnhealthyErrorThreshold int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConnections:          1,
		MaxConnections:          5,
		IdleTimeout:             5 * time.Minute,
		ReapInterval:            time.Minute,
		HealthCheckInterval:     30 * time.Second,
		ProbeTimeout:            3 * time.Second,
		UnhealthyErrorThreshold: 5,
	}
}

// SelectionStrategy picks which healthy provider serves the next call.
type SelectionStrategy string

const (
	SelectRoundRobin   SelectionStrategy = "round_robin"
	SelectLeastLatency SelectionStrategy = "least_latency"
	SelectRandom       SelectionStrategy = "random"
)

type ManagerConfig struct {
	Strategy          SelectionStrategy
	FailoverThreshold int
	CallTimeout       time.Duration
	RateLimit         rate.Limit
	RateBurst         int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Strategy:          SelectRoundRobin,
		FailoverThreshold: 3,
		CallTimeout:       10 * time.Second,
		RateLimit:         rate.Limit(50),
		RateBurst:         100,
	}
}

type GasConfig struct {
	// MaxGasPrice is a hard ceiling in wei. Retries that would price past it
	// abort instead of capping silently.
	MaxGasPrice       *big.Int
	RetryAttempts     int
	BackoffMultiplier float64
	// HistorySize bounds the per-congestion-tier price history ring used by
	// the dynamic and batch strategies.
	HistorySize  int
	PollInterval time.Duration
}

func DefaultGasConfig() GasConfig {
	maxPrice := new(big.Int)
	maxPrice.SetString("500000000000", 10) // 500 gwei
	return GasConfig{
		MaxGasPrice:       maxPrice,
		RetryAttempts:     3,
		BackoffMultiplier: 1.2,
		HistorySize:       32,
		PollInterval:      12 * time.Second,
	}
}

type BatchConfig struct {
	MaxBatchSize   int
	MaxBatchGas    uint64
	MaxConcurrency int
	FailFast       bool
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:   50,
		MaxBatchGas:    12_000_000,
		MaxConcurrency: 8,
		FailFast:       false,
	}
}

type MEVConfig struct {
	// ProtectionThreshold is the lowest tier that triggers a protected
	// rewrite before submission.
	ProtectionThreshold VulnerabilityTier
	MaxSlippageBps      uint64
	// LargeTradeRatio is the trade-size/pool-liquidity ratio past which a
	// swap is considered a sandwich target.
	LargeTradeRatio float64
}

func DefaultMEVConfig() MEVConfig {
	return MEVConfig{
		ProtectionThreshold: TierHigh,
		MaxSlippageBps:      50,
		LargeTradeRatio:     0.01,
	}
}

// ProviderEndpoint is one entry of the providers file.
type ProviderEndpoint struct {
	Vendor Vendor
	Chain  Chain
	URL    string
}

type providersFile struct {
	Providers []struct {
		Vendor   string `yaml:"vendor"`
		Chain    string `yaml:"chain"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"providers"`
}

// LoadProviderEndpoints parses the provider endpoints file.
func LoadProviderEndpoints(file string) ([]ProviderEndpoint, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var cfg providersFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	endpoints := make([]ProviderEndpoint, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Disabled {
			continue
		}
		if p.URL == "" || p.Chain == "" {
			return nil, ErrInvalidProviderConfig
		}
		vendor := Vendor(p.Vendor)
		switch vendor {
		case VendorAlchemy, VendorInfura, VendorQuickNode, VendorCustom:
		default:
			return nil, ErrInvalidProviderConfig
		}
		endpoints = append(endpoints, ProviderEndpoint{
			Vendor: vendor,
			Chain:  Chain(p.Chain),
			URL:    p.URL,
		})
	}
	return endpoints, nil
}
