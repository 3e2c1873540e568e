// Package config holds the immutable configuration shared by the submission components.
// The value is built once at startup and passed by value into each component.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrNoEndpoints     = errors.New("no endpoints configured")
	ErrUnknownPolicy   = errors.New("unknown selection policy")
	ErrSharedSignerKey = errors.New("relay signer must be distinct from the trading wallet")
)

// Policy selects which healthy endpoint becomes active.
type Policy string

const (
	// PolicyPriority picks the healthy endpoint with the lowest priority number.
	PolicyPriority Policy = "priority"
	// PolicyLoadBalanced picks the healthy endpoint with the fewest lifetime requests.
	PolicyLoadBalanced Policy = "load-balanced"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyPriority, PolicyLoadBalanced:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

type Endpoint struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Region   string `yaml:"region"`
	Priority int    `yaml:"priority"`
	Disabled bool   `yaml:"disabled"`
}

type PoolConfig struct {
	Policy            Policy
	FailoverThreshold int
	MaxRetries        int
	RetryDelay        time.Duration

	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	MaxCheckLatency time.Duration
}

type FeeConfig struct {
	MaxBaseFeeGwei  float64
	PriorityFeeGwei float64
}

// MaxBaseFee returns the base fee cap in wei.
func (f FeeConfig) MaxBaseFee() *big.Int {
	return GweiToWei(f.MaxBaseFeeGwei)
}

// PriorityFee returns the priority fee in wei.
func (f FeeConfig) PriorityFee() *big.Int {
	return GweiToWei(f.PriorityFeeGwei)
}

type RelayConfig struct {
	Enabled   bool
	URL       string
	SignerKey *ecdsa.PrivateKey

	// Timeout bounds a single relay call (send, simulate).
	Timeout time.Duration
	// ResolveTimeout bounds waiting for a bundle's target block to be decided.
	ResolveTimeout time.Duration
	PollInterval   time.Duration

	HealthInterval time.Duration
	HealthTimeout  time.Duration

	// RateLimit is the max number of submissions per second, 0 disables limiting.
	RateLimit float64
	Simulate  bool

	HistoryRetention time.Duration
	HistorySize      int
}

type RouterConfig struct {
	ProfitThresholdUSD float64
	MaxRetries         int
	FallbackToPublic   bool
	BaseFeeCacheTTL    time.Duration
}

type Config struct {
	ChainID    *big.Int
	TradingKey *ecdsa.PrivateKey

	Endpoints []Endpoint
	Pool      PoolConfig
	Fees      FeeConfig
	Relay     RelayConfig
	Router    RouterConfig
}

var (
	DefaultPoolConfig = PoolConfig{
		Policy:            PolicyPriority,
		FailoverThreshold: 3,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		HealthInterval:    30 * time.Second,
		HealthTimeout:     5 * time.Second,
		MaxCheckLatency:   2 * time.Second,
	}

	DefaultRelayConfig = RelayConfig{
		Enabled:          true,
		URL:              "https://relay.flashbots.net",
		Timeout:          30 * time.Second,
		ResolveTimeout:   60 * time.Second,
		PollInterval:     time.Second,
		HealthInterval:   60 * time.Second,
		HealthTimeout:    5 * time.Second,
		HistoryRetention: 24 * time.Hour,
		HistorySize:      10_000,
	}

	DefaultRouterConfig = RouterConfig{
		ProfitThresholdUSD: 50,
		MaxRetries:         3,
		FallbackToPublic:   true,
		BaseFeeCacheTTL:    time.Second,
	}

	DefaultFeeConfig = FeeConfig{
		MaxBaseFeeGwei:  100,
		PriorityFeeGwei: 2,
	}
)

// Validate reports every problem found, joined with ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Endpoints) == 0 {
		errs = append(errs, ErrNoEndpoints)
	}
	if _, err := ParsePolicy(string(c.Pool.Policy)); err != nil {
		errs = append(errs, err)
	}
	if c.Pool.FailoverThreshold < 1 {
		errs = append(errs, errors.New("failover threshold must be at least 1"))
	}
	if c.Pool.MaxRetries < 1 {
		errs = append(errs, errors.New("pool max retries must be at least 1"))
	}
	if c.Router.MaxRetries < 1 {
		errs = append(errs, errors.New("relay max retries must be at least 1"))
	}
	// tickers panic on non-positive intervals
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"pool health interval", c.Pool.HealthInterval},
		{"relay timeout", c.Relay.Timeout},
		{"relay resolve timeout", c.Relay.ResolveTimeout},
		{"relay poll interval", c.Relay.PollInterval},
		{"relay health interval", c.Relay.HealthInterval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.Fees.MaxBaseFeeGwei <= 0 {
		errs = append(errs, errors.New("max base fee must be positive"))
	}
	if c.Fees.PriorityFeeGwei < 0 {
		errs = append(errs, errors.New("priority fee must not be negative"))
	}
	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			errs = append(errs, errors.New("relay url is required when the relay is enabled"))
		}
		if c.Relay.SignerKey == nil {
			errs = append(errs, errors.New("relay signer key is required when the relay is enabled"))
		}
	}
	if c.Relay.SignerKey != nil && c.TradingKey != nil &&
		crypto.PubkeyToAddress(c.Relay.SignerKey.PublicKey) == crypto.PubkeyToAddress(c.TradingKey.PublicKey) {
		errs = append(errs, ErrSharedSignerKey)
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}

type endpointsFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// LoadEndpoints parses the endpoint list from a yaml file, skipping disabled entries.
func LoadEndpoints(file string) ([]Endpoint, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseEndpoints(data)
}

func ParseEndpoints(data []byte) ([]Endpoint, error) {
	var f endpointsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(f.Endpoints))
	seen := make(map[string]struct{})
	for i, ep := range f.Endpoints {
		if ep.Disabled {
			continue
		}
		if ep.URL == "" {
			return nil, fmt.Errorf("%w: endpoint %d has no url", ErrInvalidConfig, i)
		}
		if ep.ID == "" {
			ep.ID = fmt.Sprintf("endpoint-%d", i)
		}
		if _, ok := seen[ep.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate endpoint id %q", ErrInvalidConfig, ep.ID)
		}
		seen[ep.ID] = struct{}{}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// GweiToWei converts a gwei amount to wei, truncating sub-wei precision.
func GweiToWei(gwei float64) *big.Int {
	f := new(big.Float).SetFloat64(gwei)
	f.Mul(f, new(big.Float).SetUint64(params.GWei))
	wei, _ := f.Int(nil)
	return wei
}
