package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CoreRegistryABI is the minimal ABI of the JVCore metadata contract.
const CoreRegistryABI = `[
	{
		"type": "function",
		"name": "tokenURI",
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "totalSupply",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	}
]`

// ErrSupplyOverflow is returned when totalSupply does not fit in uint32 ids.
var ErrSupplyOverflow = errors.New("total supply exceeds uint32 range")

// ContractCaller is the read-only subset of the chain client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// CoreRegistry reads participant metadata from JVCore.
type CoreRegistry struct {
	address common.Address
	abi     abi.ABI
	caller  ContractCaller
}

// NewCoreRegistry creates a new JVCore binding.
func NewCoreRegistry(address common.Address, caller ContractCaller) (*CoreRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(CoreRegistryABI))
	if err != nil {
		return nil, err
	}
	return &CoreRegistry{address: address, abi: parsed, caller: caller}, nil
}

// Address returns the contract address.
func (r *CoreRegistry) Address() common.Address {
	return r.address
}

// TokenURI returns the raw metadata URI of a participant token.
func (r *CoreRegistry) TokenURI(ctx context.Context, coreID uint32) (string, error) {
	out, err := r.call(ctx, "tokenURI", new(big.Int).SetUint64(uint64(coreID)))
	if err != nil {
		return "", err
	}
	uri, ok := out[0].(string)
	if !ok {
		return "", errors.New("tokenURI: unexpected output type")
	}
	return uri, nil
}

// TotalSupply returns the number of minted participant tokens.
func (r *CoreRegistry) TotalSupply(ctx context.Context) (uint64, error) {
	out, err := r.call(ctx, "totalSupply")
	if err != nil {
		return 0, err
	}
	supply, ok := out[0].(*big.Int)
	if !ok {
		return 0, errors.New("totalSupply: unexpected output type")
	}
	if !supply.IsUint64() || supply.Uint64() > 1<<32 {
		return 0, ErrSupplyOverflow
	}
	return supply.Uint64(), nil
}

func (r *CoreRegistry) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	out, err := r.abi.Unpack(method, result)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New(method + ": empty output")
	}
	return out, nil
}

// IsRevert reports whether a call error is an execution revert (for example a
// tokenURI read for a token that was never minted).
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "nonexistent token") ||
		strings.Contains(msg, "invalid token id")
}
