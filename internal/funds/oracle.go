// Package funds answers whether a requestor's deposit covers a pending
// payment.
package funds

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"
)

// Oracle checks deposit sufficiency for an account.
type Oracle interface {
	IsAccountStatusPositive(ctx context.Context, address string, pendingValue uint64) (bool, error)
}

// BalanceReader is the subset of ethclient.Client the EthOracle uses.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EthOracle reads the deposit balance of an account from an Ethereum node.
type EthOracle struct {
	client BalanceReader
	closer func()
}

// DialEthOracle connects to the node at rpcURL.
func DialEthOracle(ctx context.Context, rpcURL string) (*EthOracle, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	return &EthOracle{client: client, closer: client.Close}, nil
}

// NewEthOracle wraps an existing balance reader.
func NewEthOracle(client BalanceReader) *EthOracle {
	return &EthOracle{client: client}
}

// IsAccountStatusPositive reports whether the latest balance of address is
// positive and covers pendingValue.
func (o *EthOracle) IsAccountStatusPositive(ctx context.Context, address string, pendingValue uint64) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("invalid ethereum address %q", address)
	}
	balance, err := o.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return false, fmt.Errorf("read balance of %s: %w", address, err)
	}
	ok := balance.Sign() > 0 && balance.Cmp(new(big.Int).SetUint64(pendingValue)) >= 0
	log.WithFields(log.Fields{
		"address": address,
		"balance": balance.String(),
		"pending": pendingValue,
		"ok":      ok,
	}).Debug("Checked requestor deposit")
	return ok, nil
}

// Close releases the node connection.
func (o *EthOracle) Close() {
	if o.closer != nil {
		o.closer()
	}
}

// StaticOracle answers from a fixed table. Used for local runs and tests.
type StaticOracle struct {
	mu       sync.Mutex
	Default  bool
	accounts map[string]bool
	calls    int
}

// NewStaticOracle creates an oracle answering def for unknown accounts.
func NewStaticOracle(def bool) *StaticOracle {
	return &StaticOracle{Default: def, accounts: make(map[string]bool)}
}

// Set fixes the answer for one address.
func (o *StaticOracle) Set(address string, positive bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accounts[strings.ToLower(address)] = positive
}

// Calls returns how many times the oracle was consulted.
func (o *StaticOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// IsAccountStatusPositive implements Oracle.
func (o *StaticOracle) IsAccountStatusPositive(_ context.Context, address string, _ uint64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if v, ok := o.accounts[strings.ToLower(address)]; ok {
		return v, nil
	}
	return o.Default, nil
}
