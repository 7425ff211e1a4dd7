package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Network holds the per-chain endpoints the orchestrator talks to. An empty
// SafeServiceURL means no Safe transaction service is known for the chain.
type Network struct {
	ChainID        int64
	RPCURL         string
	SafeServiceURL string
	Simulation     bool
}

var networksByChainID = map[int64]Network{
	1:      {ChainID: 1, RPCURL: "https://eth.llamarpc.com", SafeServiceURL: "https://safe-transaction-mainnet.safe.global", Simulation: true},
	10:     {ChainID: 10, RPCURL: "https://mainnet.optimism.io", SafeServiceURL: "https://safe-transaction-optimism.safe.global", Simulation: true},
	56:     {ChainID: 56, RPCURL: "https://bsc-dataseed.binance.org", SafeServiceURL: "https://safe-transaction-bsc.safe.global", Simulation: true},
	100:    {ChainID: 100, RPCURL: "https://rpc.gnosischain.com", SafeServiceURL: "https://safe-transaction-gnosis-chain.safe.global", Simulation: true},
	137:    {ChainID: 137, RPCURL: "https://polygon-rpc.com", SafeServiceURL: "https://safe-transaction-polygon.safe.global", Simulation: true},
	324:    {ChainID: 324, RPCURL: "https://mainnet.era.zksync.io"},
	5000:   {ChainID: 5000, RPCURL: "https://rpc.mantle.xyz"},
	8453:   {ChainID: 8453, RPCURL: "https://mainnet.base.org", SafeServiceURL: "https://safe-transaction-base.safe.global", Simulation: true},
	42161:  {ChainID: 42161, RPCURL: "https://arb1.arbitrum.io/rpc", SafeServiceURL: "https://safe-transaction-arbitrum.safe.global", Simulation: true},
	43114:  {ChainID: 43114, RPCURL: "https://api.avax.network/ext/bc/C/rpc", SafeServiceURL: "https://safe-transaction-avalanche.safe.global", Simulation: true},
	59144:  {ChainID: 59144, RPCURL: "https://rpc.linea.build", SafeServiceURL: "https://safe-transaction-linea.safe.global"},
	81457:  {ChainID: 81457, RPCURL: "https://rpc.blast.io"},
	167000: {ChainID: 167000, RPCURL: "https://rpc.mainnet.taiko.xyz"},
	534352: {ChainID: 534352, RPCURL: "https://rpc.scroll.io", SafeServiceURL: "https://safe-transaction-scroll.safe.global"},
}

func LookupNetwork(chainID int64) (Network, bool) {
	n, ok := networksByChainID[chainID]
	return n, ok
}

func DefaultRPCURL(chainID int64) (string, bool) {
	n, ok := networksByChainID[chainID]
	if !ok || n.RPCURL == "" {
		return "", false
	}
	return n.RPCURL, true
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; provide --rpc-url", chainID)
}

func ResolveSafeServiceURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimRight(strings.TrimSpace(override), "/"), nil
	}
	if n, ok := networksByChainID[chainID]; ok && n.SafeServiceURL != "" {
		return n.SafeServiceURL, nil
	}
	return "", fmt.Errorf("no safe transaction service known for chain id %d; provide --safe-service-url", chainID)
}

// SimulationSupported reports whether eth_call pre-flight is enabled for the
// chain by default.
func SimulationSupported(chainID int64) bool {
	n, ok := networksByChainID[chainID]
	return ok && n.Simulation
}

// ChainIDs returns the known chain ids in ascending order.
func ChainIDs() []int64 {
	out := make([]int64, 0, len(networksByChainID))
	for id := range networksByChainID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
