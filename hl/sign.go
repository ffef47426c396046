package hl

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Trading actions are signed under a domain bound to the venue's
	// off-chain protocol, not the user's wallet chain.
	agentDomainName   = "Exchange"
	agentChainID      = 1337
	userDomainName    = "HyperliquidSignTransaction"
	signingDomainVers = "1"

	sourceMainnet = "a"
	sourceTestnet = "b"
)

var zeroAddress = common.Address{}

// ParsedSignature is the r/s/v form the venue expects in submissions.
type ParsedSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

var ErrInvalidSignatureLength = fmt.Errorf("signature must be 65 bytes")

// SplitSignature breaks a 65 byte signature into its r/s/v components,
// normalizing the recovery id to 27/28.
func SplitSignature(sig []byte) (ParsedSignature, error) {
	if len(sig) != 65 {
		return ParsedSignature{}, fmt.Errorf("%w, got %d", ErrInvalidSignatureLength, len(sig))
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return ParsedSignature{
		R: "0x" + hex.EncodeToString(sig[0:32]),
		S: "0x" + hex.EncodeToString(sig[32:64]),
		V: v,
	}, nil
}

// ActionHash computes the canonical hash of a trading action:
// keccak256(msgpack(action) || nonce(8 bytes big endian) || vault marker).
// The vault marker is 0x00 when absent, 0x01 followed by the 20 byte address
// otherwise. Two processes encoding the same logical action must produce
// byte-identical input here, which the msgpack struct encoding guarantees as
// long as wire struct fields keep their declaration order.
func ActionHash(action any, vault *common.Address, nonce uint64) (common.Hash, error) {
	data, err := msgpack.Marshal(action)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode action: %w", err)
	}

	data = binary.BigEndian.AppendUint64(data, nonce)

	if vault == nil || *vault == zeroAddress {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, vault.Bytes()...)
	}

	return common.BytesToHash(crypto.Keccak256(data)), nil
}

// AgentTypedData builds the signing request for trading actions: a phantom
// Agent struct whose connectionId binds the action content to its nonce and
// optional vault through ActionHash.
func AgentTypedData(connectionID common.Hash, testnet bool) apitypes.TypedData {
	source := sourceMainnet
	if testnet {
		source = sourceTestnet
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields(),
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              agentDomainName,
			Version:           signingDomainVers,
			ChainId:           math.NewHexOrDecimal256(agentChainID),
			VerifyingContract: zeroAddress.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID.Hex(),
		},
	}
}

// userSignedTypedData builds the signing request for user-authorized actions.
// These sign the action's own fields under the connected wallet's chain id.
func userSignedTypedData(primaryType string, fields []apitypes.Type, message apitypes.TypedDataMessage, chainID int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields(),
			primaryType:    fields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              userDomainName,
			Version:           signingDomainVers,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: zeroAddress.Hex(),
		},
		Message: message,
	}
}

func domainFields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}

// ApproveBuilderFeeTypedData builds the fee-authorization signing request.
// Field order matches the venue's reference SDK; the builder address must be
// lower case.
func ApproveBuilderFeeTypedData(action ApproveBuilderFeeAction, chainID int64) apitypes.TypedData {
	return userSignedTypedData(
		"HyperliquidTransaction:ApproveBuilderFee",
		[]apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "maxFeeRate", Type: "string"},
			{Name: "builder", Type: "address"},
			{Name: "nonce", Type: "uint64"},
		},
		apitypes.TypedDataMessage{
			"hyperliquidChain": action.HyperliquidChain,
			"maxFeeRate":       action.MaxFeeRate,
			"builder":          strings.ToLower(action.Builder),
			"nonce":            math.NewHexOrDecimal256(int64(action.Nonce)),
		},
		chainID,
	)
}

// UsdSendTypedData builds the internal-transfer signing request.
func UsdSendTypedData(action UsdSendAction, chainID int64) apitypes.TypedData {
	return userSignedTypedData(
		"HyperliquidTransaction:UsdSend",
		transferFields(),
		transferMessage(action.HyperliquidChain, action.Destination, action.Amount, action.Time),
		chainID,
	)
}

// WithdrawTypedData builds the withdrawal signing request.
func WithdrawTypedData(action WithdrawAction, chainID int64) apitypes.TypedData {
	return userSignedTypedData(
		"HyperliquidTransaction:Withdraw",
		transferFields(),
		transferMessage(action.HyperliquidChain, action.Destination, action.Amount, action.Time),
		chainID,
	)
}

// UsdClassTransferTypedData builds the perp/spot transfer signing request.
func UsdClassTransferTypedData(action UsdClassTransferAction, chainID int64) apitypes.TypedData {
	return userSignedTypedData(
		"HyperliquidTransaction:UsdClassTransfer",
		[]apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "toPerp", Type: "bool"},
			{Name: "nonce", Type: "uint64"},
		},
		apitypes.TypedDataMessage{
			"hyperliquidChain": action.HyperliquidChain,
			"amount":           action.Amount,
			"toPerp":           action.ToPerp,
			"nonce":            math.NewHexOrDecimal256(int64(action.Nonce)),
		},
		chainID,
	)
}

func transferFields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "hyperliquidChain", Type: "string"},
		{Name: "destination", Type: "string"},
		{Name: "amount", Type: "string"},
		{Name: "time", Type: "uint64"},
	}
}

func transferMessage(chain, destination, amount string, at uint64) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"hyperliquidChain": chain,
		"destination":      strings.ToLower(destination),
		"amount":           amount,
		"time":             math.NewHexOrDecimal256(int64(at)),
	}
}
