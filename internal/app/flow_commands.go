package app

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/txflow/internal/config"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/event"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/execution/planner"
	"github.com/ggonzalez94/txflow/internal/execution/signer"
	"github.com/ggonzalez94/txflow/internal/history"
	"github.com/ggonzalez94/txflow/internal/id"
	"github.com/ggonzalez94/txflow/internal/logging"
	"github.com/ggonzalez94/txflow/internal/model"
	"github.com/ggonzalez94/txflow/internal/out"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type flowInput struct {
	intent           string
	chain            string
	token            string
	spender          string
	amount           string
	amountDecimal    string
	currentAllowance string
	approveExact     bool
	target           string
	data             string
	value            string
	owner            string
	safe             string
	stalePair        bool
	noSimulation     bool
	sessionID        string
	metadata         map[string]string
	rpcURL           string
	safeServiceURL   string
}

type runOptions struct {
	keySource        string
	yes              bool
	confirmStale     bool
	progress         bool
	strictSimulation bool
	waitTimeout      string
	tx               signer.TxOptions
}

func addFlowFlags(fs *pflag.FlagSet, in *flowInput) {
	fs.StringVar(&in.intent, "intent", "", "Flow intent (swap|approve_and_swap|safe_approve_and_swap|create_position|approve_and_create_position|safe_approve_and_create_position)")
	fs.StringVar(&in.chain, "chain", "", "Chain slug, id or CAIP-2")
	fs.StringVar(&in.token, "token", "", "Token the target spends (symbol, address or CAIP-19)")
	fs.StringVar(&in.spender, "spender", "", "Address that needs the allowance (defaults to --target)")
	fs.StringVar(&in.amount, "amount", "", "Required allowance in base units")
	fs.StringVar(&in.amountDecimal, "amount-decimal", "", "Required allowance in decimal units")
	fs.StringVar(&in.currentAllowance, "current-allowance", "", "Current allowance in base units; skips the on-chain read")
	fs.BoolVar(&in.approveExact, "approve-exact", false, "Approve the required amount instead of the maximum")
	fs.StringVar(&in.target, "target", "", "Contract the execute step calls")
	fs.StringVar(&in.data, "data", "0x", "Calldata for the execute step")
	fs.StringVar(&in.value, "value", "0", "Native value for the execute step in wei")
	fs.StringVar(&in.owner, "owner", "", "Token owner for the allowance read")
	fs.StringVar(&in.safe, "safe", "", "Safe address; steps are proposed to the Safe instead of broadcast")
	fs.BoolVar(&in.stalePair, "stale-pair", false, "Pair data is stale; creating a position then needs confirmation")
	fs.BoolVar(&in.noSimulation, "no-simulation", false, "Never add a simulation step")
	fs.StringVar(&in.sessionID, "session-id", "", "Session id (random when empty)")
	fs.StringToStringVar(&in.metadata, "meta", nil, "Flow metadata kept with the history record (key=value)")
	fs.StringVar(&in.rpcURL, "rpc-url", "", "RPC endpoint override for --chain")
	fs.StringVar(&in.safeServiceURL, "safe-service-url", "", "Safe transaction service override for --chain")
}

func markFlowRequired(cmd *cobra.Command) {
	_ = cmd.MarkFlagRequired("intent")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("target")
}

// flowPlan is the validated form of a flowInput.
type flowPlan struct {
	chain      id.Chain
	intent     execution.Intent
	asset      id.Asset
	hasToken   bool
	spender    common.Address
	required   *big.Int
	current    *big.Int
	safe       common.Address
	multisig   bool
	simulation bool
}

func (p flowPlan) needsAllowanceRead() bool {
	return p.required != nil && p.required.Sign() > 0 && p.current == nil
}

func (s *runtimeState) newPlanCommand() *cobra.Command {
	var in flowInput
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build a session and print its steps without executing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.planFlow(cmd.Context(), in)
		},
	}
	addFlowFlags(cmd.Flags(), &in)
	markFlowRequired(cmd)
	return cmd
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var in flowInput
	opts := runOptions{tx: signer.DefaultTxOptions()}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a session and drive it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runFlow(cmd.Context(), in, opts)
		},
	}
	fs := cmd.Flags()
	addFlowFlags(fs, &in)
	fs.StringVar(&opts.keySource, "key-source", signer.KeySourceAuto, "Signing key source (auto|env|file|keystore)")
	fs.BoolVar(&opts.yes, "yes", false, "Sign without prompting")
	fs.BoolVar(&opts.confirmStale, "confirm-stale", false, "Acknowledge stale pair data up front")
	fs.BoolVar(&opts.progress, "progress", false, "Stream step events to stderr")
	fs.BoolVar(&opts.strictSimulation, "strict-simulation", false, "Abort before execute when the simulation reverts")
	fs.StringVar(&opts.waitTimeout, "wait-timeout", "", "Stop waiting after this long; the session can be resumed with watch")
	fs.Float64Var(&opts.tx.GasMultiplier, "gas-multiplier", opts.tx.GasMultiplier, "Gas limit multiplier over the estimate")
	fs.StringVar(&opts.tx.MaxFeeGwei, "max-fee-gwei", "", "EIP-1559 max fee per gas in gwei")
	fs.StringVar(&opts.tx.MaxPriorityFeeGwei, "max-priority-fee-gwei", "", "EIP-1559 priority fee in gwei")
	markFlowRequired(cmd)
	return cmd
}

func (s *runtimeState) resolveFlow(in flowInput) (flowPlan, error) {
	chain, err := id.ParseChain(in.chain)
	if err != nil {
		return flowPlan{}, err
	}
	intent := execution.Intent(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(in.intent)), "-", "_"))
	if !intent.Valid() {
		return flowPlan{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported intent %q", in.intent))
	}
	if !common.IsHexAddress(strings.TrimSpace(in.target)) {
		return flowPlan{}, clierr.New(clierr.CodeUsage, "--target must be an EVM address")
	}
	plan := flowPlan{chain: chain, intent: intent}

	if strings.TrimSpace(in.token) != "" {
		asset, err := id.ParseAsset(in.token, chain)
		if err != nil {
			return flowPlan{}, err
		}
		plan.asset = asset
		plan.hasToken = true
	}
	if strings.TrimSpace(in.amountDecimal) != "" && !plan.asset.Known {
		return flowPlan{}, clierr.New(clierr.CodeUsage, "--amount-decimal needs a token from the registry; use --amount in base units")
	}
	required, err := id.ParseBaseUnits(in.amount, in.amountDecimal, plan.asset.Decimals)
	if err != nil {
		return flowPlan{}, err
	}
	plan.required = required
	if required != nil && required.Sign() > 0 && !plan.hasToken {
		return flowPlan{}, clierr.New(clierr.CodeUsage, "--token is required when an allowance amount is given")
	}

	spender := strings.TrimSpace(in.spender)
	if spender == "" {
		spender = strings.TrimSpace(in.target)
	}
	if !common.IsHexAddress(spender) {
		return flowPlan{}, clierr.New(clierr.CodeUsage, "--spender must be an EVM address")
	}
	plan.spender = common.HexToAddress(spender)

	if v := strings.TrimSpace(in.currentAllowance); v != "" {
		current, ok := new(big.Int).SetString(v, 10)
		if !ok || current.Sign() < 0 {
			return flowPlan{}, clierr.New(clierr.CodeUsage, "--current-allowance must be a non-negative integer in base units")
		}
		plan.current = current
	}

	if v := strings.TrimSpace(in.safe); v != "" {
		if !common.IsHexAddress(v) {
			return flowPlan{}, clierr.New(clierr.CodeUsage, "--safe must be an EVM address")
		}
		plan.safe = common.HexToAddress(v)
		plan.multisig = true
	}
	if intent.IsSafe() && !plan.multisig {
		return flowPlan{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("intent %s requires --safe", intent))
	}

	s.applyChainOverrides(chain.ChainID, in.rpcURL, in.safeServiceURL)
	plan.simulation = !in.noSimulation && s.settings.SimulationSupported(chain.ChainID)
	return plan, nil
}

func (s *runtimeState) applyChainOverrides(chainID int64, rpcURL, safeServiceURL string) {
	if strings.TrimSpace(rpcURL) == "" && strings.TrimSpace(safeServiceURL) == "" {
		return
	}
	if s.settings.Chains == nil {
		s.settings.Chains = map[int64]config.ChainOverride{}
	}
	override := s.settings.Chains[chainID]
	if v := strings.TrimSpace(rpcURL); v != "" {
		override.RPCURL = v
	}
	if v := strings.TrimSpace(safeServiceURL); v != "" {
		override.SafeServiceURL = v
	}
	s.settings.Chains[chainID] = override
}

// preflight checks the endpoint serves the flow's chain and, when the caller
// did not pass one, reads the current allowance. Both run concurrently.
func preflight(ctx context.Context, reader preflightReader, plan *flowPlan, owner common.Address) error {
	chainID := plan.chain.ChainID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reader.VerifyChain(gctx, chainID)
	})
	if plan.needsAllowanceRead() {
		token, spender := plan.asset.Address, plan.spender
		g.Go(func() error {
			current, err := reader.Allowance(gctx, chainID, token, owner, spender)
			if err != nil {
				return err
			}
			plan.current = current
			return nil
		})
	}
	return g.Wait()
}

func (p flowPlan) request(in flowInput, now time.Time) planner.SessionRequest {
	meta := make(map[string]string, len(in.metadata)+1)
	for k, v := range in.metadata {
		meta[k] = v
	}
	if p.asset.Symbol != "" {
		meta["token_symbol"] = p.asset.Symbol
	}
	req := planner.SessionRequest{
		SessionID:                    in.sessionID,
		Intent:                       p.intent,
		ChainID:                      p.chain.ChainID,
		RequiredAllowance:            p.required,
		CurrentAllowance:             p.current,
		IsMultisigContext:            p.multisig,
		IsSimulationSupportedOnChain: p.simulation,
		IsStalePair:                  in.stalePair,
		Spender:                      p.spender.Hex(),
		Execute: execution.Payload{
			Target: strings.TrimSpace(in.target),
			Data:   strings.TrimSpace(in.data),
			Value:  strings.TrimSpace(in.value),
		},
		Metadata: meta,
		Now:      now,
	}
	if p.hasToken {
		req.Token = p.asset.Address.Hex()
	}
	if in.approveExact {
		req.ApproveAmount = p.required
	}
	return req
}

func (p flowPlan) result(session execution.Session) model.FlowResult {
	res := model.NewFlowResult(session)
	res.NeedsApproval = planner.NeedsApproval(p.required, p.current)
	if p.required != nil {
		res.RequiredAllowance = p.required.String()
	}
	if p.current != nil {
		res.CurrentAllowance = p.current.String()
	}
	return res
}

func (s *runtimeState) planFlow(ctx context.Context, in flowInput) error {
	plan, err := s.resolveFlow(in)
	if err != nil {
		return err
	}
	if plan.needsAllowanceRead() {
		owner := plan.safe
		if !plan.multisig {
			if !common.IsHexAddress(strings.TrimSpace(in.owner)) {
				return clierr.New(clierr.CodeUsage, "--owner or --current-allowance is required to decide on approval")
			}
			owner = common.HexToAddress(strings.TrimSpace(in.owner))
		}
		svc, err := s.runner.wire(ctx, s, wireRequest{chainID: plan.chain.ChainID, multisig: plan.multisig, safe: plan.safe})
		if err != nil {
			return err
		}
		if err := preflight(ctx, svc.preflight, &plan, owner); err != nil {
			return err
		}
	}
	session, err := planner.BuildSession(plan.request(in, s.runner.now()))
	if err != nil {
		return err
	}
	s.lastSession = session.ID
	s.logger.WithSession(session.ID).Debug("session planned", "intent", string(session.Intent), "steps", len(session.Steps))
	return s.emitSuccess(plan.result(session))
}

func (s *runtimeState) runFlow(ctx context.Context, in flowInput, opts runOptions) error {
	plan, err := s.resolveFlow(in)
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(opts.waitTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, "parse --wait-timeout", err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var prompter *linePrompter
	if !opts.yes && s.runner.interactive() {
		prompter = newLinePrompter(s.runner.stdin, s.runner.stderr)
	}

	svc, err := s.runner.wire(ctx, s, wireRequest{
		chainID:   plan.chain.ChainID,
		multisig:  plan.multisig,
		safe:      plan.safe,
		sign:      true,
		keySource: opts.keySource,
		tx:        opts.tx,
	})
	if err != nil {
		return err
	}
	txSigner := svc.signer
	if prompter != nil {
		txSigner = signer.NewPromptSigner(txSigner, prompter.Ask)
	}
	if err := preflight(ctx, svc.preflight, &plan, txSigner.Address()); err != nil {
		return err
	}

	session, err := planner.BuildSession(plan.request(in, s.runner.now()))
	if err != nil {
		return err
	}
	s.lastSession = session.ID
	logger := s.logger.WithSession(session.ID)

	store, err := s.historyStore()
	if err != nil {
		return err
	}
	defer s.bus.Unsubscribe(history.Subscribe(s.bus, store, s.logger))
	if opts.progress {
		mode := s.settings.OutputMode
		defer s.bus.Unsubscribe(s.bus.SubscribeAll(func(evt event.Event) {
			if se, ok := evt.(execution.SessionEvent); ok {
				_ = out.RenderEvent(s.runner.stderr, se, mode)
			}
		}))
	}

	executor := execution.NewExecutor(txSigner, svc.reader, svc.simulator, execution.Options{
		PollInterval:   s.settings.PollInterval,
		Logger:         s.logger,
		Bus:            s.bus,
		WarningHandler: s.warningHandler(opts, prompter),
		Now:            s.runner.now,
	})

	if session.RequiresConfirmation {
		ok := opts.confirmStale
		if !ok && prompter != nil {
			ok, err = prompter.Ask(ctx, "Pair data is stale and prices may have moved. Create the position anyway?")
			if err != nil {
				return err
			}
		}
		if !ok {
			s.lastData = plan.result(session)
			return clierr.New(clierr.CodeConfirmationRequired, "pair data is stale; rerun with --confirm-stale to create the position")
		}
		if err := executor.Confirm(&session); err != nil {
			return err
		}
	}

	stop := abortOnSignal(executor, session.ID, logger)
	runErr := executor.Run(ctx, &session)
	stop()
	result := plan.result(session)
	if runErr != nil {
		s.lastData = result
		return runErr
	}
	return s.emitSuccess(result)
}

// warningHandler decides whether a failed or unavailable simulation stops the
// session. Without a prompt the warning is logged and execution continues.
func (s *runtimeState) warningHandler(opts runOptions, prompter *linePrompter) execution.WarningHandler {
	return func(ctx context.Context, session execution.Session, w execution.Warning) bool {
		s.logger.WithSession(session.ID).Warn("simulation warning",
			"step_index", w.StepIndex,
			"outcome", string(w.Outcome),
			"message", w.Message,
		)
		if opts.strictSimulation && w.Outcome == execution.SimulationFail {
			return false
		}
		if prompter == nil {
			return true
		}
		ok, err := prompter.Ask(ctx, fmt.Sprintf("Simulation %s: %s. Send the transaction anyway?", w.Outcome, w.Message))
		return err == nil && ok
	}
}

// abortOnSignal aborts the session on SIGINT or SIGTERM until stop is called.
func abortOnSignal(executor *execution.Executor, sessionID string, logger *logging.Logger) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("interrupt received, aborting session", "signal", sig.String())
			executor.Abort(sessionID)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
