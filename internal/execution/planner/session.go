package planner

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/google/uuid"
)

// SessionRequest carries the operational intent and the environment the step
// sequence depends on. A nil RequiredAllowance means no allowance is needed.
type SessionRequest struct {
	SessionID string
	Intent    execution.Intent
	ChainID   int64

	RequiredAllowance *big.Int
	CurrentAllowance  *big.Int

	IsMultisigContext            bool
	IsSimulationSupportedOnChain bool
	IsStalePair                  bool

	Token         string
	Spender       string
	ApproveAmount *big.Int
	Execute       execution.Payload
	Metadata      map[string]string
	Now           time.Time
}

// BuildSession turns a request into a fresh session. The step shape depends
// only on the intent, the allowance comparison and the environment flags.
func BuildSession(req SessionRequest) (execution.Session, error) {
	if err := validate(req); err != nil {
		return execution.Session{}, err
	}
	multisig := req.IsMultisigContext || req.Intent.IsSafe()
	needsApproval := NeedsApproval(req.RequiredAllowance, req.CurrentAllowance)

	payload := req.Execute
	payload.Target = common.HexToAddress(payload.Target).Hex()
	if payload.Variant == "" {
		payload.Variant = execution.VariantSwap
		if req.Intent.IsCreatePosition() {
			payload.Variant = execution.VariantCreatePosition
		}
	}

	steps := make([]execution.Step, 0, 4)
	if needsApproval {
		token := common.HexToAddress(req.Token).Hex()
		spender := common.HexToAddress(req.Spender).Hex()
		amount := ""
		if req.ApproveAmount != nil {
			amount = req.ApproveAmount.String()
		}
		steps = append(steps,
			execution.Step{
				Kind:           execution.StepKindApproveToken,
				BlocksSequence: true,
				Payload:        execution.Payload{Token: token, Spender: spender, Amount: amount},
			},
			execution.Step{
				Kind:            execution.StepKindWaitForApproval,
				CheckForPending: true,
				BlocksSequence:  true,
				Payload:         execution.Payload{Token: token, Spender: spender},
			},
		)
		if req.IsSimulationSupportedOnChain && req.Intent.IsSwap() && !multisig {
			steps = append(steps, execution.Step{
				Kind:    execution.StepKindWaitForSimulation,
				Payload: payload,
			})
		}
	}
	steps = append(steps, execution.Step{
		Kind:           execution.StepKindExecute,
		BlocksSequence: true,
		Payload:        payload,
	})

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	session := execution.NewSession(id, req.Intent, req.ChainID, steps, now)
	session.Multisig = multisig
	// Staleness is checked once here; it is not re-validated while the session runs.
	session.RequiresConfirmation = req.IsStalePair && req.Intent.IsCreatePosition()
	if len(req.Metadata) > 0 {
		session.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			session.Metadata[k] = v
		}
	}
	return session, nil
}

// NeedsApproval reports whether current falls short of required.
func NeedsApproval(required, current *big.Int) bool {
	if required == nil || required.Sign() == 0 {
		return false
	}
	if current == nil {
		return true
	}
	return current.Cmp(required) < 0
}

func validate(req SessionRequest) error {
	if !req.Intent.Valid() {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported intent %q", req.Intent))
	}
	if req.ChainID <= 0 {
		return clierr.New(clierr.CodeUsage, "session requires a chain id")
	}
	if req.RequiredAllowance != nil && req.RequiredAllowance.Sign() < 0 {
		return clierr.New(clierr.CodeUsage, "required allowance must be non-negative")
	}
	if req.CurrentAllowance != nil && req.CurrentAllowance.Sign() < 0 {
		return clierr.New(clierr.CodeUsage, "current allowance must be non-negative")
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Execute.Target)) {
		return clierr.New(clierr.CodeUsage, "execute payload requires a valid target address")
	}
	if data := strings.TrimSpace(req.Execute.Data); data != "" {
		if _, err := hexutil.Decode(data); err != nil {
			return clierr.Wrap(clierr.CodeUsage, "execute payload data must be 0x-prefixed hex", err)
		}
	}
	if value := strings.TrimSpace(req.Execute.Value); value != "" {
		v, ok := new(big.Int).SetString(value, 10)
		if !ok || v.Sign() < 0 {
			return clierr.New(clierr.CodeUsage, "execute payload value must be a non-negative integer in wei")
		}
	}
	if !NeedsApproval(req.RequiredAllowance, req.CurrentAllowance) {
		return nil
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Token)) {
		return clierr.New(clierr.CodeUsage, "approval requires ERC20 token address")
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Spender)) {
		return clierr.New(clierr.CodeUsage, "approval spender must be a valid EVM address")
	}
	if req.ApproveAmount != nil && req.ApproveAmount.Cmp(req.RequiredAllowance) < 0 {
		return clierr.New(clierr.CodeUsage, "approval amount is below the required allowance")
	}
	return nil
}
