package account

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/callvm"
	"OpBatch/internal/state"
)

// ErrNoAccount is returned when an address holds no account.
var ErrNoAccount = errors.New("no account at address")

// Registry resolves addresses to accounts and knows the trusted factories
// and delegation providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[common.Address]*Factory
	providers map[common.Address]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[common.Address]*Factory),
		providers: make(map[common.Address]bool),
	}
}

// AddFactory trusts f for account creation.
func (r *Registry) AddFactory(f *Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[f.Address()] = f
}

// AddProvider trusts provider as delegated account logic.
func (r *Registry) AddProvider(provider common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[provider] = true
}

// Factory returns the trusted factory at addr.
func (r *Registry) Factory(addr common.Address) (*Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[addr]
	return f, ok
}

// Resolve returns the account at addr.
func (r *Registry) Resolve(store *state.Store, addr common.Address) (Account, error) {
	if provider, ok := ParseDelegation(store.Code(addr)); ok {
		r.mu.RLock()
		trusted := r.providers[provider]
		r.mu.RUnlock()

		if trusted {
			return NewDelegatedAccount(addr, provider), nil
		}
	}

	rec := store.Get(state.AddressKey(state.PrefixAccount, addr))
	if len(rec) == 1+common.AddressLength && rec[0] == kindSimple {
		return NewSimpleAccount(addr, common.BytesToAddress(rec[1:])), nil
	}

	return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrNoAccount)
}

// Exists reports whether addr holds an account.
func (r *Registry) Exists(store *state.Store, addr common.Address) bool {
	_, err := r.Resolve(store, addr)
	return err == nil
}

// Target resolves addr to a call target running the account's exec
// payloads. It is meant for callvm.Machine.SetResolver.
func (r *Registry) Target(store *state.Store, addr common.Address) (callvm.Target, bool) {
	acct, err := r.Resolve(store, addr)
	if err != nil {
		return nil, false
	}

	return callvm.TargetFunc(func(env *callvm.Env, caller common.Address, _ *uint256.Int, data []byte) ([]byte, error) {
		// Plain value transfers are always accepted.
		if len(data) == 0 {
			return nil, nil
		}

		return nil, acct.Handle(env, caller, data)
	}), true
}
