package chain

import (
	"context"
	"fmt"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/safe"
)

type SafeTransactions interface {
	Transaction(ctx context.Context, chainID int64, safeTxHash string) (safe.TransactionStatus, bool, error)
}

// SafeReader resolves proposals made through the Safe transaction service.
// A proposal counts as mined once the Safe owners execute it; the receipt's
// TransactionHash is the executing transaction.
type SafeReader struct {
	service SafeTransactions
}

func NewSafeReader(service SafeTransactions) *SafeReader {
	return &SafeReader{service: service}
}

func (r *SafeReader) Receipt(ctx context.Context, hash string, chainID int64) (*execution.Receipt, error) {
	safeTxHash, ok := NormalizeHash(hash)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid safe transaction hash %q", hash))
	}
	status, found, err := r.service.Transaction(ctx, chainID, safeTxHash.Hex())
	if err != nil {
		return nil, err
	}
	if !found || !status.IsExecuted {
		return nil, nil
	}
	out := &execution.Receipt{
		Hash:            safeTxHash.Hex(),
		ChainID:         chainID,
		Status:          execution.ReceiptStatusSuccessful,
		BlockNumber:     status.BlockNumber,
		TransactionHash: status.TransactionHash,
	}
	if status.IsSuccessful != nil && !*status.IsSuccessful {
		out.Status = execution.ReceiptStatusFailed
	}
	return out, nil
}
