package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"OpBatch/internal/entrypoint"
)

const sample = `
chainId: 31337
batchGasLimit: 15000000
penaltyPercent: 0
protocolFeeBps: 250
feeRecipient: "0xfee0000000000000000000000000000000000000"
baseFee: "0x3b9aca00"
schedule:
  sigVerify: 4000
storage:
  path: /var/lib/opbatch
  syncInterval: 250ms
http:
  listen: 127.0.0.1:9545
logLevel: debug
genesis:
  factories: ["0xfac7000000000000000000000000000000000000"]
  providers: ["0x9000000000000000000000000000000000000001"]
  balances:
    - address: "0x0e00000000000000000000000000000000000001"
      amount: "1000000000000000000"
  accounts:
    - address: "0xa11ce00000000000000000000000000000000000"
      owner: "0x0e00000000000000000000000000000000000001"
  sponsors:
    - address: "0x5905500000000000000000000000000000000000"
      owner: "0x0e00000000000000000000000000000000000001"
      deposit: "5000000000000000000"
      stake: "1000"
      unstakeDelay: 86400
      policy:
        enabled: true
        maxCostPerOperation: "1000000000"
        maxSponsorshipsPerDay: 5
        signatureRequired: true
        verifyingKey: "0x7e57000000000000000000000000000000000000"
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	p, err := c.Params()
	require.NoError(t, err)

	d := entrypoint.DefaultParams()

	require.Equal(t, uint64(31337), p.ChainID.Uint64())
	require.Equal(t, d.Address, p.Address)
	require.Equal(t, uint64(15_000_000), p.BatchGasLimit)
	require.Equal(t, uint64(0), p.PenaltyPercent)
	require.Equal(t, d.PenaltyThreshold, p.PenaltyThreshold)
	require.Equal(t, uint64(250), p.ProtocolFeeBPS)
	require.Equal(t, common.HexToAddress("0xfee0000000000000000000000000000000000000"), p.FeeRecipient)
	require.Equal(t, uint64(1_000_000_000), p.BaseFee.Uint64())
	require.Equal(t, uint64(4000), p.Schedule.SigVerify)
	require.Equal(t, d.Schedule.StorageRead, p.Schedule.StorageRead)

	require.Equal(t, "/var/lib/opbatch", c.Storage.Path)
	require.Equal(t, 250*time.Millisecond, c.SyncInterval())
	require.Equal(t, "127.0.0.1:9545", c.HTTP.Listen)
	require.Equal(t, "debug", c.LogLevel)

	g, err := c.GenesisConfig()
	require.NoError(t, err)
	require.Len(t, g.Factories, 1)
	require.Len(t, g.Accounts, 1)
	require.Len(t, g.Sponsors, 1)

	sp := g.Sponsors[0]
	require.Equal(t, "5000000000000000000", sp.Deposit.Dec())
	require.Equal(t, uint64(1000), sp.Stake.Uint64())
	require.Equal(t, uint32(86400), sp.UnstakeDelay)
	require.True(t, sp.Policy.SignatureRequired)
	require.Equal(t, uint64(5), sp.Policy.MaxSponsorshipsPerDay)
	require.Equal(t, common.HexToAddress("0x7e57000000000000000000000000000000000000"), sp.Policy.VerifyingKey)
}

func TestDefault(t *testing.T) {
	c := Default()

	p, err := c.Params()
	require.NoError(t, err)

	d := entrypoint.DefaultParams()
	require.Equal(t, d.PenaltyPercent, p.PenaltyPercent)
	require.Equal(t, d.BatchGasLimit, p.BatchGasLimit)
	require.Equal(t, d.Schedule, p.Schedule)
	require.Equal(t, ":8080", c.HTTP.Listen)
	require.Equal(t, "data", c.Storage.Path)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"penalty above 100", "penaltyPercent: 101", "penaltyPercent"},
		{"fee above 100%", "protocolFeeBps: 10001", "protocolFeeBps"},
		{"margin over limit", "batchGasLimit: 100\nsafetyMargin: 100", "safetyMargin"},
		{"bad orchestrator", "orchestrator: nope", "orchestrator"},
		{"bad base fee", "baseFee: ten", "baseFee"},
		{"bad interval", "storage:\n  syncInterval: soon", "sync interval"},
		{"bad balance", "genesis:\n  balances:\n    - address: \"0x01\"\n      amount: \"1\"", "balances[0].address"},
		{"bad amount", "genesis:\n  deposits:\n    - address: \"0x0e00000000000000000000000000000000000001\"\n      amount: \"-1\"", "deposits[0].amount"},
		{"key missing", "genesis:\n  sponsors:\n    - address: \"0x5905500000000000000000000000000000000000\"\n      owner: \"0x0e00000000000000000000000000000000000001\"\n      policy:\n        signatureRequired: true", "verifyingKey"},
		{"not yaml", "chainId: [", "parse yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), "error %q lacks %q", err, tt.want)
		})
	}
}

func TestGenesisContracts(t *testing.T) {
	dir := t.TempDir()
	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target.wasm"), wasm, 0o644))

	doc := "genesis:\n  contracts:\n    - address: \"0xc0de000000000000000000000000000000000000\"\n      wasm: " + filepath.Join(dir, "target.wasm")

	c, err := Parse([]byte(doc))
	require.NoError(t, err)

	g, err := c.GenesisConfig()
	require.NoError(t, err)
	require.Len(t, g.Contracts, 1)
	require.Equal(t, wasm, g.Contracts[0].Code)

	missing := "genesis:\n  contracts:\n    - address: \"0xc0de000000000000000000000000000000000000\"\n      wasm: " + filepath.Join(dir, "missing.wasm")

	_, err = Parse([]byte(missing))
	require.ErrorContains(t, err, "contracts[0]")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(31337), c.ChainID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load("")
	require.Error(t, err)
}
