package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/history"
	"github.com/ggonzalez94/txflow/internal/id"
	"github.com/ggonzalez94/txflow/internal/model"
	"github.com/ggonzalez94/txflow/internal/registry"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newWatchCommand() *cobra.Command {
	var chainArg string
	var multisig bool
	var wait bool
	var waitTimeout string
	var rpcURL string
	var safeServiceURL string
	cmd := &cobra.Command{
		Use:   "watch <hash>",
		Short: "Look up or wait for the receipt of a transaction or Safe proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			s.applyChainOverrides(chain.ChainID, rpcURL, safeServiceURL)
			ctx := cmd.Context()
			if v := strings.TrimSpace(waitTimeout); v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "parse --wait-timeout", err)
				}
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			svc, err := s.runner.wire(ctx, s, wireRequest{chainID: chain.ChainID, multisig: multisig})
			if err != nil {
				return err
			}
			hash := strings.TrimSpace(args[0])
			var receipt *execution.Receipt
			if wait {
				watcher := execution.NewPendingWatcher(svc.reader, s.settings.PollInterval, s.logger)
				mined, err := watcher.Watch(ctx, execution.WatchKey{SessionID: "watch"}, hash, chain.ChainID)
				if err != nil {
					return err
				}
				receipt = &mined
			} else {
				receipt, err = svc.reader.Receipt(ctx, hash, chain.ChainID)
				if err != nil {
					return err
				}
			}

			result := model.NewReceiptResult(hash, chain.ChainID, receipt)
			if result.Status == model.ReceiptReverted {
				s.lastData = result
				return clierr.New(clierr.CodeReverted, "transaction reverted on-chain")
			}
			return s.emitSuccess(result)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain slug, id or CAIP-2")
	cmd.Flags().BoolVar(&multisig, "safe", false, "The hash is a Safe transaction hash")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the transaction is mined")
	cmd.Flags().StringVar(&waitTimeout, "wait-timeout", "", "Stop waiting after this long")
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "RPC endpoint override for --chain")
	cmd.Flags().StringVar(&safeServiceURL, "safe-service-url", "", "Safe transaction service override for --chain")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	root := &cobra.Command{Use: "history", Short: "Transactions recorded by completed sessions"}

	var listChain string
	var listIntent string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := history.Filter{Intent: strings.TrimSpace(listIntent), Limit: limit}
			if strings.TrimSpace(listChain) != "" {
				chain, err := id.ParseChain(listChain)
				if err != nil {
					return err
				}
				filter.ChainID = chain.ChainID
			}
			store, err := s.historyStore()
			if err != nil {
				return err
			}
			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list history", err)
			}
			return s.emitSuccess(entries)
		},
	}
	listCmd.Flags().StringVar(&listChain, "chain", "", "Only this chain")
	listCmd.Flags().StringVar(&listIntent, "intent", "", "Only this intent")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to return")
	root.AddCommand(listCmd)

	var getChain string
	getCmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Show the record of one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(getChain)
			if err != nil {
				return err
			}
			store, err := s.historyStore()
			if err != nil {
				return err
			}
			entry, err := store.Get(cmd.Context(), chain.ChainID, args[0])
			if err != nil {
				if errors.Is(err, history.ErrNotFound) {
					return clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("no history entry for %s on chain %d", args[0], chain.ChainID), err)
				}
				return clierr.Wrap(clierr.CodeInternal, "read history", err)
			}
			return s.emitSuccess(entry)
		},
	}
	getCmd.Flags().StringVar(&getChain, "chain", "", "Chain slug, id or CAIP-2")
	_ = getCmd.MarkFlagRequired("chain")
	root.AddCommand(getCmd)
	return root
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	root := &cobra.Command{Use: "chains", Short: "Chains with built-in endpoints"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known chains with their effective endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := registry.ChainIDs()
			items := make([]model.ChainInfo, 0, len(ids))
			for _, chainID := range ids {
				chain, err := id.ParseChain(strconv.FormatInt(chainID, 10))
				if err != nil {
					return err
				}
				info := model.ChainInfo{
					ChainID:    chainID,
					Name:       chain.Name,
					Slug:       chain.Slug,
					CAIP2:      chain.CAIP2(),
					Simulation: s.settings.SimulationSupported(chainID),
				}
				if url, err := s.settings.RPCURL(chainID); err == nil {
					info.RPCURL = url
				}
				if url, err := s.settings.SafeServiceURL(chainID); err == nil {
					info.SafeTxURL = url
				}
				items = append(items, info)
			}
			return s.emitSuccess(items)
		},
	})
	return root
}
