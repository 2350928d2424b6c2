package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/layer-3/microslot/internal/eth"
)

// fakeNode answers the eth_* calls the ledger makes
type fakeNode struct {
	mu sync.Mutex

	token    common.Address
	keychain common.Address

	balances map[common.Address]*big.Int
	limits   map[common.Address]*big.Int
	keys     map[common.Address]eth.KeyInfo
	gas      uint64

	callErrors []error
	sendErrors []error
	pending    int
	revert     bool

	raw      [][]byte
	receipts map[common.Hash]*types.Receipt
}

func newFakeNode(token, keychain common.Address) *fakeNode {
	return &fakeNode{
		token:    token,
		keychain: keychain,
		balances: make(map[common.Address]*big.Int),
		limits:   make(map[common.Address]*big.Int),
		keys:     make(map[common.Address]eth.KeyInfo),
		gas:      50_000,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (n *fakeNode) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(42431))
}

func (n *fakeNode) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1_000_000_000))
}

func (n *fakeNode) MaxPriorityFeePerGas() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1_000))
}

func (n *fakeNode) GetTransactionCount(addr common.Address, block string) hexutil.Uint64 {
	return 7
}

func callData(args map[string]any) (common.Address, []byte, error) {
	to, _ := args["to"].(string)
	input, ok := args["input"].(string)
	if !ok {
		input, _ = args["data"].(string)
	}
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Address{}, nil, err
	}
	if len(data) < 4 {
		return common.Address{}, nil, errors.New("short calldata")
	}
	return common.HexToAddress(to), data, nil
}

func methodFor(contract abi.ABI, data []byte) (*abi.Method, []any, error) {
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

func (n *fakeNode) Call(args map[string]any, block *string) (hexutil.Bytes, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.callErrors) > 0 {
		err := n.callErrors[0]
		n.callErrors = n.callErrors[1:]
		return nil, err
	}

	to, data, err := callData(args)
	if err != nil {
		return nil, err
	}

	switch to {
	case n.token:
		method, in, err := methodFor(eth.TokenABI, data)
		if err != nil {
			return nil, err
		}
		balance := n.balances[in[0].(common.Address)]
		if balance == nil {
			balance = new(big.Int)
		}
		return method.Outputs.Pack(balance)
	case n.keychain:
		method, in, err := methodFor(eth.KeychainABI, data)
		if err != nil {
			return nil, err
		}
		delegate := in[1].(common.Address)
		switch method.Name {
		case "getRemainingLimit":
			limit := n.limits[delegate]
			if limit == nil {
				limit = new(big.Int)
			}
			return method.Outputs.Pack(limit)
		case "getKey":
			return method.Outputs.Pack(n.keys[delegate])
		}
	}
	return nil, fmt.Errorf("unexpected call to %s", to.Hex())
}

func (n *fakeNode) EstimateGas(args map[string]any, block *string) (hexutil.Uint64, error) {
	if _, _, err := callData(args); err != nil {
		return 0, err
	}
	return hexutil.Uint64(n.gas), nil
}

func (n *fakeNode) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.sendErrors) > 0 {
		err := n.sendErrors[0]
		n.sendErrors = n.sendErrors[1:]
		return common.Hash{}, err
	}

	var hash common.Hash
	if len(raw) > 0 && raw[0] == KeychainTxType {
		hash = crypto.Keccak256Hash(raw)
	} else {
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return common.Hash{}, err
		}
		hash = tx.Hash()
	}

	status := types.ReceiptStatusSuccessful
	if n.revert {
		status = types.ReceiptStatusFailed
	}
	n.raw = append(n.raw, append([]byte(nil), raw...))
	n.receipts[hash] = &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            status,
		CumulativeGasUsed: 21_000,
		GasUsed:           21_000,
		Logs:              []*types.Log{},
		TxHash:            hash,
		BlockNumber:       big.NewInt(100),
	}
	return hash, nil
}

func (n *fakeNode) GetTransactionReceipt(hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pending > 0 {
		n.pending--
		return nil, nil
	}
	return n.receipts[hash], nil
}

func (n *fakeNode) sent() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.raw...)
}

// decodeKeychainTx parses the wire form and returns the transaction with its signature envelope
func decodeKeychainTx(raw []byte) (*keychainTx, []byte, error) {
	if len(raw) == 0 || raw[0] != KeychainTxType {
		return nil, nil, errors.New("not a keychain transaction")
	}

	var signed signedKeychainTx
	if err := rlp.DecodeBytes(raw[1:], &signed); err != nil {
		return nil, nil, err
	}

	tx := &keychainTx{
		ChainID:          signed.ChainID,
		Nonce:            signed.Nonce,
		GasTipCap:        signed.GasTipCap,
		GasFeeCap:        signed.GasFeeCap,
		Gas:              signed.Gas,
		To:               signed.To,
		Value:            signed.Value,
		Data:             signed.Data,
		From:             signed.From,
		KeyAuthorization: signed.KeyAuthorization,
	}
	return tx, signed.Signature, nil
}
