package hl

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces EIP-712 signatures for the exchange client. The production
// implementation typically delegates to an external wallet, which may take
// arbitrarily long (a human approving a prompt) or reject outright. A
// rejection is the user's prerogative and must be propagated untouched, never
// swallowed or retried here.
type Signer interface {
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	Address() common.Address
}

// WalletSigner signs with a resident ECDSA key. Used by the daemon when
// configured with an agent key, and by tests.
type WalletSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewWalletSigner loads a hex private key, with or without 0x prefix.
func NewWalletSigner(hexKey string) (*WalletSigner, error) {
	key := strings.TrimSpace(hexKey)
	key = strings.TrimPrefix(key, "0x")
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("could not load private key: %s", err)
	}

	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}

	return &WalletSigner{
		key:  privateKey,
		addr: crypto.PubkeyToAddress(*pub),
	}, nil
}

func (s *WalletSigner) Address() common.Address {
	return s.addr
}

func (s *WalletSigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
