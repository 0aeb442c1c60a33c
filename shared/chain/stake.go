package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// StakeVerifier checks a wallet's on-chain stake against a required amount.
type StakeVerifier interface {
	VerifyStake(ctx context.Context, wallet string, required *big.Int) (bool, error)
}

// RPCStakeVerifier verifies stake against a JSON-RPC node. The staked
// amount is read as the wallet's native balance; settlement and reward
// accounting live in a separate subsystem.
type RPCStakeVerifier struct {
	client *ethclient.Client
	logger *slog.Logger
}

// NewRPCStakeVerifier dials the configured RPC endpoint.
func NewRPCStakeVerifier(rpcURL string, logger *slog.Logger) (*RPCStakeVerifier, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &RPCStakeVerifier{client: client, logger: logger}, nil
}

// VerifyStake returns true iff the wallet holds at least the required
// amount. RPC failures are returned to the caller, which treats them as
// reject-safe.
func (v *RPCStakeVerifier) VerifyStake(ctx context.Context, wallet string, required *big.Int) (bool, error) {
	balance, err := v.client.BalanceAt(ctx, common.HexToAddress(wallet), nil)
	if err != nil {
		return false, fmt.Errorf("query stake for %s: %w", wallet, err)
	}
	ok := balance.Cmp(required) >= 0
	v.logger.Debug("Stake verified",
		slog.String("wallet", wallet),
		slog.String("balance", balance.String()),
		slog.String("required", required.String()),
		slog.Bool("sufficient", ok),
	)
	return ok, nil
}

// Close releases the underlying RPC connection.
func (v *RPCStakeVerifier) Close() {
	v.client.Close()
}
