package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestABIConstantsParse(t *testing.T) {
	for _, raw := range []string{ERC20MinimalABI, RevertErrorABI} {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestDefaultRPCURL(t *testing.T) {
	if rpc, ok := DefaultRPCURL(167000); !ok || rpc == "" {
		t.Fatalf("expected taiko mainnet rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if _, ok := DefaultRPCURL(999999); ok {
		t.Fatal("did not expect rpc default for unknown chain")
	}
}

func TestResolveRPCURL(t *testing.T) {
	got, err := ResolveRPCURL(" http://127.0.0.1:8545 ", 1)
	if err != nil || got != "http://127.0.0.1:8545" {
		t.Fatalf("expected override to win, got %q err=%v", got, err)
	}
	if _, err := ResolveRPCURL("", 999999); err == nil {
		t.Fatal("expected error for unknown chain without override")
	}
}

func TestResolveSafeServiceURL(t *testing.T) {
	got, err := ResolveSafeServiceURL("https://safe.example/", 999999)
	if err != nil || got != "https://safe.example" {
		t.Fatalf("unexpected override result %q err=%v", got, err)
	}
	if got, err := ResolveSafeServiceURL("", 8453); err != nil || got == "" {
		t.Fatalf("expected base safe service default, got %q err=%v", got, err)
	}
	if _, err := ResolveSafeServiceURL("", 167000); err == nil {
		t.Fatal("expected error for chain without safe service")
	}
}

func TestSimulationSupported(t *testing.T) {
	if !SimulationSupported(1) {
		t.Fatal("expected simulation support on ethereum")
	}
	if SimulationSupported(167000) {
		t.Fatal("did not expect simulation support on taiko")
	}
}

func TestChainIDsSorted(t *testing.T) {
	ids := ChainIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("chain ids not sorted: %v", ids)
		}
	}
}
