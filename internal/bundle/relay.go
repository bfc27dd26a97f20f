package bundle

import (
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureHeader carries the relay authentication signature.
const SignatureHeader = "X-Flashbots-Signature"

// RelayAuth signs relay request bodies with a searcher identity key.
// The key only authenticates; it never holds funds.
type RelayAuth struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewRelayAuth parses a hex auth key. A 0x prefix is accepted.
func NewRelayAuth(hexKey string) (*RelayAuth, error) {
	h := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if h == "" {
		return nil, fmt.Errorf("relay auth key is empty")
	}
	key, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("parse relay auth key: %w", err)
	}
	return &RelayAuth{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the identity address.
func (a *RelayAuth) Address() common.Address { return a.address }

// Sign returns the header value "address:signature" over keccak(body).
func (a *RelayAuth) Sign(body []byte) (string, error) {
	digest := crypto.Keccak256Hash(body)
	// Relays verify an EIP-191 signature over the hex digest.
	sig, err := crypto.Sign(accounts.TextHash([]byte(digest.Hex())), a.key)
	if err != nil {
		return "", err
	}
	return a.address.Hex() + ":" + hexutil.Encode(sig), nil
}

// Hook adapts Sign to an rpc.ClientConfig RequestHook.
func (a *RelayAuth) Hook(req *http.Request, body []byte) error {
	sig, err := a.Sign(body)
	if err != nil {
		return fmt.Errorf("sign relay body: %w", err)
	}
	req.Header.Set(SignatureHeader, sig)
	return nil
}
