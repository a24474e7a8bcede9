// Package client talks to an OpBatch node over its HTTP API.
package client

import (
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/entrypoint"
	"OpBatch/internal/ledger"
	"OpBatch/internal/operation"
)

// Client connects to an OpBatch node via HTTP.
type Client struct {
	nodeAddr     string         // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	orchestrator common.Address // orchestrator is the address operation hashes bind to
	chainID      *uint256.Int   // chainID is the chain operation hashes bind to
	beneficiary  common.Address // beneficiary is the node's default fee recipient
}

// Status is the node's answer to GET /status.
type Status struct {
	Orchestrator  common.Address `json:"orchestrator"`
	ChainID       string         `json:"chainId"`
	BaseFee       string         `json:"baseFee"`
	BatchGasLimit uint64         `json:"batchGasLimit"`
	Beneficiary   common.Address `json:"beneficiary"`
}

// NonceInfo is the node's answer to GET /nonce.
type NonceInfo struct {
	Account  common.Address `json:"account"`
	Key      string         `json:"key"`
	Sequence uint64         `json:"sequence"`
	Nonce    string         `json:"nonce"`
}

// NewClient creates a client connected to a node.
// It fetches the signing domain from the node's /status endpoint.
func NewClient(nodeAddr string) (*Client, error) {
	var status Status

	if err := httpGet("http://"+nodeAddr+"/status", &status); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	chainID, err := uint256.FromDecimal(status.ChainID)
	if err != nil {
		return nil, fmt.Errorf("invalid chainId %q: %w", status.ChainID, err)
	}

	return &Client{
		nodeAddr:     nodeAddr,
		orchestrator: status.Orchestrator,
		chainID:      chainID,
		beneficiary:  status.Beneficiary,
	}, nil
}

// Orchestrator returns the orchestrator address operations are signed for.
func (c *Client) Orchestrator() common.Address {
	return c.orchestrator
}

// OperationHash returns the hash the account owner signs.
func (c *Client) OperationHash(op *operation.Operation) common.Hash {
	return op.Hash(c.orchestrator, c.chainID)
}

// SubmitBatch sends ops for processing. A zero beneficiary lets the node pay itself.
func (c *Client) SubmitBatch(ops []*operation.Operation, beneficiary common.Address) (*entrypoint.BatchResult, error) {
	var res entrypoint.BatchResult

	if err := httpPostBytes(c.url("/ops"), operation.EncodeBatch(ops, beneficiary), &res); err != nil {
		return nil, fmt.Errorf("submit batch:\n%w", err)
	}

	return &res, nil
}

// Simulate runs validation for op without committing anything.
func (c *Client) Simulate(op *operation.Operation) (*entrypoint.Simulation, error) {
	var sim entrypoint.Simulation

	if err := httpPostBytes(c.url("/simulate"), operation.Encode(op), &sim); err != nil {
		return nil, fmt.Errorf("simulate:\n%w", err)
	}

	return &sim, nil
}

// Nonce returns the next nonce of account in lane key.
func (c *Client) Nonce(account common.Address, key *uint256.Int) (*uint256.Int, error) {
	q := url.Values{}
	q.Set("account", account.Hex())
	if key != nil {
		q.Set("key", key.Dec())
	}

	var info NonceInfo
	if err := httpGet(c.url("/nonce?"+q.Encode()), &info); err != nil {
		return nil, fmt.Errorf("get nonce:\n%w", err)
	}

	nonce, err := uint256.FromDecimal(info.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce %q: %w", info.Nonce, err)
	}

	return nonce, nil
}

// Deposit returns the orchestrator ledger entry of addr.
func (c *Client) Deposit(addr common.Address) (*ledger.DepositInfo, error) {
	var info ledger.DepositInfo

	if err := httpGet(c.url("/deposit/"+addr.Hex()), &info); err != nil {
		return nil, fmt.Errorf("get deposit:\n%w", err)
	}

	return &info, nil
}

// Receipt returns the stored outcome of an operation. Unknown hashes yield ErrNotFound.
func (c *Client) Receipt(opHash common.Hash) (*entrypoint.Receipt, error) {
	var r entrypoint.Receipt

	if err := httpGet(c.url("/receipt/"+opHash.Hex()), &r); err != nil {
		return nil, fmt.Errorf("get receipt:\n%w", err)
	}

	return &r, nil
}

func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}
