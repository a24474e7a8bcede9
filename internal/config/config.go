// Package config loads the node's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"OpBatch/internal/entrypoint"
	"OpBatch/internal/gas"
	"OpBatch/internal/genesis"
	"OpBatch/internal/sponsor"
)

// maxProtocolFeeBPS is 100% in basis points.
const maxProtocolFeeBPS = 10_000

// Config is the node configuration file.
// Amounts are decimal or 0x-prefixed hex strings, addresses are hex.
type Config struct {
	ChainID          uint64       `yaml:"chainId"`
	Orchestrator     string       `yaml:"orchestrator"`
	BatchGasLimit    uint64       `yaml:"batchGasLimit"`
	SafetyMargin     uint64       `yaml:"safetyMargin"`
	PenaltyPercent   *uint64      `yaml:"penaltyPercent"` // nil selects the default, 0 disables penalties
	PenaltyThreshold uint64       `yaml:"penaltyThreshold"`
	ProtocolFeeBPS   uint64       `yaml:"protocolFeeBps"`
	FeeRecipient     string       `yaml:"feeRecipient"`
	BaseFee          string       `yaml:"baseFee"`
	MinSponsorStake  string       `yaml:"minSponsorStake"`
	MinUnstakeDelay  uint32       `yaml:"minUnstakeDelay"`
	Schedule         gas.Schedule `yaml:"schedule"`

	Storage struct {
		Path         string `yaml:"path"`
		SyncInterval string `yaml:"syncInterval"`
	} `yaml:"storage"`

	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`

	LogLevel string `yaml:"logLevel"`

	Genesis Genesis `yaml:"genesis"`
}

// Genesis is the YAML form of genesis.Config.
type Genesis struct {
	Factories   []string     `yaml:"factories"`
	Providers   []string     `yaml:"providers"`
	Balances    []Allocation `yaml:"balances"`
	Deposits    []Allocation `yaml:"deposits"`
	Accounts    []Account    `yaml:"accounts"`
	Delegations []Delegation `yaml:"delegations"`
	Contracts   []Contract   `yaml:"contracts"`
	Sponsors    []Sponsor    `yaml:"sponsors"`
}

// Allocation credits an amount to an address.
type Allocation struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// Account is a SimpleAccount installed at genesis.
type Account struct {
	Address string `yaml:"address"`
	Owner   string `yaml:"owner"`
}

// Delegation points an identity at a provider.
type Delegation struct {
	Identity string `yaml:"identity"`
	Provider string `yaml:"provider"`
}

// Contract installs the WASM file at Path as the code of Address.
type Contract struct {
	Address string `yaml:"address"`
	Path    string `yaml:"wasm"`
}

// Sponsor is a verifying sponsor registered at genesis.
type Sponsor struct {
	Address      string `yaml:"address"`
	Owner        string `yaml:"owner"`
	Deposit      string `yaml:"deposit"`
	Stake        string `yaml:"stake"`
	UnstakeDelay uint32 `yaml:"unstakeDelay"`

	Policy struct {
		Enabled               bool   `yaml:"enabled"`
		MaxCostPerOperation   string `yaml:"maxCostPerOperation"`
		MaxSponsorshipsPerDay uint64 `yaml:"maxSponsorshipsPerDay"`
		SignatureRequired     bool   `yaml:"signatureRequired"`
		VerifyingKey          string `yaml:"verifyingKey"`
	} `yaml:"policy"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.setDefaults()

	return c
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s:\n%w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s:\n%w", path, err)
	}

	return c, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config

	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse yaml:\n%w", err)
	}

	c.setDefaults()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("validate:\n%w", err)
	}

	return &c, nil
}

// setDefaults fills unset fields from entrypoint.DefaultParams.
func (c *Config) setDefaults() {
	d := entrypoint.DefaultParams()

	if c.ChainID == 0 {
		c.ChainID = d.ChainID.Uint64()
	}
	if c.Orchestrator == "" {
		c.Orchestrator = d.Address.Hex()
	}
	if c.BatchGasLimit == 0 {
		c.BatchGasLimit = d.BatchGasLimit
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.PenaltyPercent == nil {
		p := d.PenaltyPercent
		c.PenaltyPercent = &p
	}
	if c.PenaltyThreshold == 0 {
		c.PenaltyThreshold = d.PenaltyThreshold
	}
	if c.BaseFee == "" {
		c.BaseFee = d.BaseFee.Dec()
	}
	if c.MinSponsorStake == "" {
		c.MinSponsorStake = "0"
	}

	c.Schedule = fillSchedule(c.Schedule, d.Schedule)

	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Storage.SyncInterval == "" {
		c.Storage.SyncInterval = "100ms"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// fillSchedule replaces zero costs with their defaults.
func fillSchedule(s, d gas.Schedule) gas.Schedule {
	fields := []struct{ dst, def *uint64 }{
		{&s.SigVerify, &d.SigVerify},
		{&s.StorageRead, &d.StorageRead},
		{&s.StorageWrite, &d.StorageWrite},
		{&s.CallBase, &d.CallBase},
		{&s.ValueTransfer, &d.ValueTransfer},
		{&s.AccountCreation, &d.AccountCreation},
		{&s.Event, &d.Event},
	}

	for _, f := range fields {
		if *f.dst == 0 {
			*f.dst = *f.def
		}
	}

	return s
}

// validate checks ranges and that every address and amount parses.
func (c *Config) validate() error {
	if *c.PenaltyPercent > 100 {
		return fmt.Errorf("penaltyPercent must be at most 100, got %d", *c.PenaltyPercent)
	}

	if c.ProtocolFeeBPS > maxProtocolFeeBPS {
		return fmt.Errorf("protocolFeeBps must be at most %d, got %d", maxProtocolFeeBPS, c.ProtocolFeeBPS)
	}

	if c.BatchGasLimit <= c.SafetyMargin {
		return fmt.Errorf("batchGasLimit %d must exceed safetyMargin %d", c.BatchGasLimit, c.SafetyMargin)
	}

	if _, err := time.ParseDuration(c.Storage.SyncInterval); err != nil {
		return fmt.Errorf("invalid storage sync interval %s: %w", c.Storage.SyncInterval, err)
	}

	if _, err := c.Params(); err != nil {
		return err
	}

	if _, err := c.GenesisConfig(); err != nil {
		return fmt.Errorf("genesis:\n%w", err)
	}

	return nil
}

// SyncInterval returns the storage WAL sync interval.
func (c *Config) SyncInterval() time.Duration {
	d, err := time.ParseDuration(c.Storage.SyncInterval)
	if err != nil {
		return 100 * time.Millisecond
	}

	return d
}

// Params converts the protocol section into orchestrator parameters.
func (c *Config) Params() (entrypoint.Params, error) {
	p := entrypoint.DefaultParams()

	p.ChainID = uint256.NewInt(c.ChainID)
	p.BatchGasLimit = c.BatchGasLimit
	p.SafetyMargin = c.SafetyMargin
	p.PenaltyThreshold = c.PenaltyThreshold
	p.ProtocolFeeBPS = c.ProtocolFeeBPS
	p.MinUnstakeDelay = c.MinUnstakeDelay
	p.Schedule = c.Schedule

	if c.PenaltyPercent != nil {
		p.PenaltyPercent = *c.PenaltyPercent
	}

	var err error

	if p.Address, err = parseAddress("orchestrator", c.Orchestrator); err != nil {
		return p, err
	}
	if p.BaseFee, err = parseAmount("baseFee", c.BaseFee); err != nil {
		return p, err
	}
	if p.MinSponsorStake, err = parseAmount("minSponsorStake", c.MinSponsorStake); err != nil {
		return p, err
	}

	if c.FeeRecipient != "" {
		if p.FeeRecipient, err = parseAddress("feeRecipient", c.FeeRecipient); err != nil {
			return p, err
		}
	}

	return p, nil
}

// GenesisConfig converts the genesis section. Contract files are read here.
func (c *Config) GenesisConfig() (genesis.Config, error) {
	var (
		g   genesis.Config
		err error
	)

	if g.Factories, err = parseAddresses("factories", c.Genesis.Factories); err != nil {
		return g, err
	}
	if g.Providers, err = parseAddresses("providers", c.Genesis.Providers); err != nil {
		return g, err
	}
	if g.Balances, err = parseAllocations("balances", c.Genesis.Balances); err != nil {
		return g, err
	}
	if g.Deposits, err = parseAllocations("deposits", c.Genesis.Deposits); err != nil {
		return g, err
	}

	for i, a := range c.Genesis.Accounts {
		var acct genesis.Account

		if acct.Address, err = parseAddress(fmt.Sprintf("accounts[%d].address", i), a.Address); err != nil {
			return g, err
		}
		if acct.Owner, err = parseAddress(fmt.Sprintf("accounts[%d].owner", i), a.Owner); err != nil {
			return g, err
		}

		g.Accounts = append(g.Accounts, acct)
	}

	for i, d := range c.Genesis.Delegations {
		var del genesis.Delegation

		if del.Identity, err = parseAddress(fmt.Sprintf("delegations[%d].identity", i), d.Identity); err != nil {
			return g, err
		}
		if del.Provider, err = parseAddress(fmt.Sprintf("delegations[%d].provider", i), d.Provider); err != nil {
			return g, err
		}

		g.Delegations = append(g.Delegations, del)
	}

	for i, ct := range c.Genesis.Contracts {
		addr, err := parseAddress(fmt.Sprintf("contracts[%d].address", i), ct.Address)
		if err != nil {
			return g, err
		}

		code, err := os.ReadFile(ct.Path)
		if err != nil {
			return g, fmt.Errorf("contracts[%d]: read %s:\n%w", i, ct.Path, err)
		}

		g.Contracts = append(g.Contracts, genesis.Contract{Address: addr, Code: code})
	}

	for i, s := range c.Genesis.Sponsors {
		sp, err := s.convert()
		if err != nil {
			return g, fmt.Errorf("sponsors[%d]:\n%w", i, err)
		}

		g.Sponsors = append(g.Sponsors, sp)
	}

	return g, nil
}

func (s Sponsor) convert() (genesis.Sponsor, error) {
	var (
		out = genesis.Sponsor{UnstakeDelay: s.UnstakeDelay}
		err error
	)

	if out.Address, err = parseAddress("address", s.Address); err != nil {
		return out, err
	}
	if out.Owner, err = parseAddress("owner", s.Owner); err != nil {
		return out, err
	}
	if out.Deposit, err = parseOptionalAmount("deposit", s.Deposit); err != nil {
		return out, err
	}
	if out.Stake, err = parseOptionalAmount("stake", s.Stake); err != nil {
		return out, err
	}

	policy := sponsor.Policy{
		Enabled:               s.Policy.Enabled,
		MaxSponsorshipsPerDay: s.Policy.MaxSponsorshipsPerDay,
		SignatureRequired:     s.Policy.SignatureRequired,
	}

	if policy.MaxCostPerOperation, err = parseOptionalAmount("policy.maxCostPerOperation", s.Policy.MaxCostPerOperation); err != nil {
		return out, err
	}

	if s.Policy.VerifyingKey != "" {
		if policy.VerifyingKey, err = parseAddress("policy.verifyingKey", s.Policy.VerifyingKey); err != nil {
			return out, err
		}
	}

	if policy.SignatureRequired && policy.VerifyingKey == (common.Address{}) {
		return out, fmt.Errorf("policy.signatureRequired needs a verifyingKey")
	}

	out.Policy = policy

	return out, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}

	return common.HexToAddress(s), nil
}

func parseAddresses(field string, ss []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(ss))

	for i, s := range ss {
		addr, err := parseAddress(fmt.Sprintf("%s[%d]", field, i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}

	return out, nil
}

func parseAllocations(field string, as []Allocation) ([]genesis.Allocation, error) {
	out := make([]genesis.Allocation, 0, len(as))

	for i, a := range as {
		addr, err := parseAddress(fmt.Sprintf("%s[%d].address", field, i), a.Address)
		if err != nil {
			return nil, err
		}

		amount, err := parseAmount(fmt.Sprintf("%s[%d].amount", field, i), a.Amount)
		if err != nil {
			return nil, err
		}

		out = append(out, genesis.Allocation{Address: addr, Amount: amount})
	}

	return out, nil
}

// parseAmount accepts decimal or 0x-prefixed hex.
func parseAmount(field, s string) (*uint256.Int, error) {
	var (
		v   *uint256.Int
		err error
	)

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = uint256.FromHex(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: invalid amount %q: %w", field, s, err)
	}

	return v, nil
}

func parseOptionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}

	return parseAmount(field, s)
}
