package eth

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const tokenABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const keychainABIJSON = `[
	{"type":"function","name":"getRemainingLimit","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"},{"name":"keyId","type":"address"},{"name":"token","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getKey","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"},{"name":"keyId","type":"address"}],
	 "outputs":[{"name":"","type":"tuple","components":[
		{"name":"signatureType","type":"uint8"},
		{"name":"keyId","type":"address"},
		{"name":"expiry","type":"uint64"},
		{"name":"enforceLimits","type":"bool"},
		{"name":"isRevoked","type":"bool"}]}]}
]`

var (
	// TokenABI covers the token calls the service makes
	TokenABI = mustParseABI(tokenABIJSON)
	// KeychainABI covers the delegate key registry precompile
	KeychainABI = mustParseABI(keychainABIJSON)
)

// KeyInfo mirrors the registry's view of a delegate key
type KeyInfo struct {
	SignatureType uint8
	KeyId         common.Address
	Expiry        uint64
	EnforceLimits bool
	IsRevoked     bool
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// TransferCalldata encodes transfer(to, amount)
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := TokenABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return data, nil
}
