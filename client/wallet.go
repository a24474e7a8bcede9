package client

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"OpBatch/internal/account"
	"OpBatch/internal/operation"
)

// Default limits of operations built by a Wallet.
const (
	defaultPreVerificationGas   = 21_000
	defaultVerificationGasLimit = 100_000
	defaultExecutionGasLimit    = 100_000
)

// Wallet owns a SimpleAccount created by a factory.
type Wallet struct {
	key     *ecdsa.PrivateKey // key signs operations
	owner   common.Address    // owner is the address of key
	factory *account.Factory  // factory derives and creates the account
	salt    common.Hash       // salt selects the account among the owner's
	account common.Address    // account is the counterfactual account address

	// MaxFeePerGas and MaxPriorityFeePerGas price the operations this wallet builds.
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
}

// NewWallet creates a wallet with a fresh key.
func NewWallet(factory common.Address, salt common.Hash) (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return NewWalletFromKey(key, factory, salt), nil
}

// NewWalletFromKey creates a wallet around an existing key.
func NewWalletFromKey(key *ecdsa.PrivateKey, factory common.Address, salt common.Hash) *Wallet {
	owner := crypto.PubkeyToAddress(key.PublicKey)
	f := account.NewFactory(factory)

	return &Wallet{
		key:                  key,
		owner:                owner,
		factory:              f,
		salt:                 salt,
		account:              f.AccountAddress(owner, salt),
		MaxFeePerGas:         uint256.NewInt(1),
		MaxPriorityFeePerGas: new(uint256.Int),
	}
}

// Account returns the account address, deployed or not.
func (w *Wallet) Account() common.Address {
	return w.account
}

// Owner returns the address that signs for the account.
func (w *Wallet) Owner() common.Address {
	return w.owner
}

// BuildOp builds an unsigned operation running exec.
// With deploy set, the operation also creates the account.
func (w *Wallet) BuildOp(nonce *uint256.Int, exec []byte, deploy bool) *operation.Operation {
	op := &operation.Operation{
		Sender:               w.account,
		Nonce:                nonce,
		ExecPayload:          exec,
		PreVerificationGas:   uint256.NewInt(defaultPreVerificationGas),
		VerificationGasLimit: uint256.NewInt(defaultVerificationGasLimit),
		ExecutionGasLimit:    uint256.NewInt(defaultExecutionGasLimit),
		MaxFeePerGas:         new(uint256.Int).Set(w.MaxFeePerGas),
		MaxPriorityFeePerGas: new(uint256.Int).Set(w.MaxPriorityFeePerGas),
	}

	if deploy {
		op.InitPayload = w.factory.InitPayload(w.owner, w.salt)
		op.VerificationGasLimit = uint256.NewInt(defaultVerificationGasLimit + 100_000)
	}

	return op
}

// Sign sets op's authorization: the owner's signature over the
// prefixed operation hash.
func (w *Wallet) Sign(c *Client, op *operation.Operation) error {
	hash := c.OperationHash(op)

	sig, err := crypto.Sign(accounts.TextHash(hash[:]), w.key)
	if err != nil {
		return fmt.Errorf("sign operation:\n%w", err)
	}
	sig[64] += 27

	op.Authorization = sig

	return nil
}

// Transfer sends value to recipient in a single-operation batch and
// returns the operation hash.
func (w *Wallet) Transfer(c *Client, recipient common.Address, value *uint256.Int, deploy bool) (common.Hash, error) {
	nonce, err := c.Nonce(w.account, nil)
	if err != nil {
		return common.Hash{}, err
	}

	exec, err := account.EncodeExecute(recipient, value, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode transfer:\n%w", err)
	}

	op := w.BuildOp(nonce, exec, deploy)
	if err := w.Sign(c, op); err != nil {
		return common.Hash{}, err
	}

	if _, err := c.SubmitBatch([]*operation.Operation{op}, common.Address{}); err != nil {
		return common.Hash{}, fmt.Errorf("submit transfer:\n%w", err)
	}

	return c.OperationHash(op), nil
}
