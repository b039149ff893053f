package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ContractReader performs the read-only collateral and outcome-token checks
// a trader needs before an order can settle. It never sends transactions.
type ContractReader struct {
	caller                ethereum.ContractCaller
	closer                func()
	collateralAddr        common.Address
	conditionalTokensAddr common.Address
}

// TradingReadiness summarizes a maker's approvals towards one exchange.
type TradingReadiness struct {
	CollateralBalance   *big.Int
	CollateralAllowance *big.Int
	OutcomeApproved     bool
}

// Ready reports whether the maker can spend at least amount of collateral.
func (r *TradingReadiness) Ready(amount *big.Int) bool {
	return r.OutcomeApproved &&
		r.CollateralBalance.Cmp(amount) >= 0 &&
		r.CollateralAllowance.Cmp(amount) >= 0
}

// NewContractReader creates a reader over any contract caller
func NewContractReader(caller ethereum.ContractCaller, collateralAddr, conditionalTokensAddr common.Address) *ContractReader {
	return &ContractReader{
		caller:                caller,
		collateralAddr:        collateralAddr,
		conditionalTokensAddr: conditionalTokensAddr,
	}
}

// DialContractReader connects to rpcURL and creates a reader
func DialContractReader(ctx context.Context, rpcURL string, collateralAddr, conditionalTokensAddr common.Address) (*ContractReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	r := NewContractReader(client, collateralAddr, conditionalTokensAddr)
	r.closer = client.Close
	return r, nil
}

// CollateralBalance returns the collateral balance of account
func (cr *ContractReader) CollateralBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := cr.call(ctx, erc20ABI, cr.collateralAddr, "balanceOf", &balance, account); err != nil {
		return nil, fmt.Errorf("failed to get collateral balance: %w", err)
	}
	return balance, nil
}

// CollateralAllowance returns the collateral allowance owner granted spender
func (cr *ContractReader) CollateralAllowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var allowance *big.Int
	if err := cr.call(ctx, erc20ABI, cr.collateralAddr, "allowance", &allowance, owner, spender); err != nil {
		return nil, fmt.Errorf("failed to get allowance: %w", err)
	}
	return allowance, nil
}

// OutcomeBalance returns the outcome-token balance of account for tokenID
func (cr *ContractReader) OutcomeBalance(ctx context.Context, account common.Address, tokenID *big.Int) (*big.Int, error) {
	var balance *big.Int
	if err := cr.call(ctx, conditionalTokensABI, cr.conditionalTokensAddr, "balanceOf", &balance, account, tokenID); err != nil {
		return nil, fmt.Errorf("failed to get outcome balance: %w", err)
	}
	return balance, nil
}

// IsApprovedForAll checks if operator may move all of owner's outcome tokens
func (cr *ContractReader) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	var approved bool
	if err := cr.call(ctx, conditionalTokensABI, cr.conditionalTokensAddr, "isApprovedForAll", &approved, owner, operator); err != nil {
		return false, fmt.Errorf("failed to check isApprovedForAll: %w", err)
	}
	return approved, nil
}

// Readiness gathers balance, allowance and approval of maker towards exchange
func (cr *ContractReader) Readiness(ctx context.Context, maker, exchange common.Address) (*TradingReadiness, error) {
	balance, err := cr.CollateralBalance(ctx, maker)
	if err != nil {
		return nil, err
	}
	allowance, err := cr.CollateralAllowance(ctx, maker, exchange)
	if err != nil {
		return nil, err
	}
	approved, err := cr.IsApprovedForAll(ctx, maker, exchange)
	if err != nil {
		return nil, err
	}
	return &TradingReadiness{
		CollateralBalance:   balance,
		CollateralAllowance: allowance,
		OutcomeApproved:     approved,
	}, nil
}

func (cr *ContractReader) call(ctx context.Context, contractABI abi.ABI, to common.Address, method string, out interface{}, args ...interface{}) error {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return err
	}

	result, err := cr.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return err
	}

	return contractABI.UnpackIntoInterface(out, method, result)
}

// Close closes the underlying RPC connection if the reader owns one
func (cr *ContractReader) Close() {
	if cr.closer != nil {
		cr.closer()
	}
}
