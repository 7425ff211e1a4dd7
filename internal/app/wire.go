package app

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/txflow/internal/chain"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/execution/signer"
	"github.com/ggonzalez94/txflow/internal/safe"
	"github.com/ggonzalez94/txflow/internal/simulate"
)

// preflightReader is what a flow reads from the chain before the session is
// built.
type preflightReader interface {
	VerifyChain(ctx context.Context, chainID int64) error
	Allowance(ctx context.Context, chainID int64, token, owner, spender common.Address) (*big.Int, error)
}

type wireRequest struct {
	chainID   int64
	multisig  bool
	safe      common.Address
	sign      bool
	keySource string
	tx        signer.TxOptions
}

type services struct {
	preflight preflightReader
	reader    execution.ChainReader
	simulator execution.Simulator
	signer    signer.Signer
}

type wireFunc func(ctx context.Context, s *runtimeState, req wireRequest) (services, error)

// defaultWire connects a flow to the configured RPC endpoint and, for Safe
// flows, to the Safe transaction service. The signer variant is chosen here
// once and never switched mid-session.
func defaultWire(_ context.Context, s *runtimeState, req wireRequest) (services, error) {
	dialer := s.chainDialer()
	rpc := chain.NewRPCReader(dialer)
	svc := services{preflight: rpc}

	var reader execution.ChainReader = rpc
	var safeClient *safe.Client
	if req.multisig {
		safeClient = safe.NewClient(s.http, s.settings.SafeServiceURL)
		reader = chain.NewSafeReader(safeClient)
	}
	svc.reader = chain.NewCachedReader(reader, s.receiptCache(), s.settings.ReceiptTTL, s.logger)
	svc.simulator = simulate.NewEthCallSimulator(func(ctx context.Context, chainID int64) (simulate.Backend, error) {
		client, err := dialer.Client(ctx, chainID)
		if err != nil {
			return nil, err
		}
		return client, nil
	}, s.settings.SimulationSupported)

	if !req.sign {
		return svc, nil
	}
	key, err := signer.NewLocalSignerFromEnv(req.keySource)
	if err != nil {
		return services{}, clierr.Wrap(clierr.CodeSigner, "load signing key", err)
	}
	if req.multisig {
		svc.signer = signer.NewMultisigProposer(key, req.safe, safeClient)
	} else {
		svc.signer = signer.NewDirectSigner(key, dialer.Backend, req.tx)
	}
	return svc, nil
}
