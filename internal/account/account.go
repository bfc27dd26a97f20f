// Package account holds sender keys and the read-only wallet used to sign
// spam transactions.
package account

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions on behalf of one address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Account is a local private-key signer.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	address    common.Address
}

var _ Signer = (*Account)(nil)

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
// A 0x prefix is accepted.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// Address returns the account address.
func (a *Account) Address() common.Address { return a.address }

// SignTx signs tx with the latest signer for chainID.
func (a *Account) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), a.PrivateKey)
}

// SignHash signs a 32-byte digest.
func (a *Account) SignHash(hash common.Hash) ([]byte, error) {
	return crypto.Sign(hash.Bytes(), a.PrivateKey)
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
}

// FromHexKeys parses a list of hex private keys.
func FromHexKeys(keys []string) ([]*Account, error) {
	accounts := make([]*Account, 0, len(keys))
	for i, k := range keys {
		acc, err := NewAccountFromHex(k)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// DerivePool deterministically derives n accounts from seed, so a pool
// funded in one run can be reused by the next.
func DerivePool(seed string, n int) ([]*Account, error) {
	accounts := make([]*Account, 0, n)
	var idx [8]byte
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(idx[:], uint64(i))
		key, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed), idx[:]))
		if err != nil {
			return nil, fmt.Errorf("derive pool key %d: %w", i, err)
		}
		accounts = append(accounts, NewAccount(key))
	}
	return accounts, nil
}

// ErrDuplicateSigner is returned when two signers claim the same address.
var ErrDuplicateSigner = errors.New("duplicate signer address")

// Wallet is a read-only address → signer map. Safe for concurrent reads.
type Wallet struct {
	signers map[common.Address]Signer
	order   []common.Address
}

// NewWallet builds a wallet. Insertion order is kept for Addresses.
func NewWallet(signers ...Signer) (*Wallet, error) {
	w := &Wallet{signers: make(map[common.Address]Signer, len(signers))}
	for _, s := range signers {
		addr := s.Address()
		if _, ok := w.signers[addr]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSigner, addr.Hex())
		}
		w.signers[addr] = s
		w.order = append(w.order, addr)
	}
	return w, nil
}

// Signer returns the signer for addr.
func (w *Wallet) Signer(addr common.Address) (Signer, bool) {
	s, ok := w.signers[addr]
	return s, ok
}

// Addresses returns every address in insertion order.
func (w *Wallet) Addresses() []common.Address {
	out := make([]common.Address, len(w.order))
	copy(out, w.order)
	return out
}

// Len returns the number of signers.
func (w *Wallet) Len() int { return len(w.order) }

// Signers converts accounts to the Signer interface.
func Signers(accounts []*Account) []Signer {
	out := make([]Signer, len(accounts))
	for i, a := range accounts {
		out[i] = a
	}
	return out
}
