package safe

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/txflow/internal/httpx"
)

var testSafe = common.HexToAddress("0x00000000000000000000000000000000000000cc")

func TestTxHashIsDeterministicAndDomainBound(t *testing.T) {
	tx := NewCall(common.HexToAddress("0x00000000000000000000000000000000000000aa"), nil, []byte{0x01, 0x02}, 7)
	first := TxHash(1, testSafe, tx)
	if first != TxHash(1, testSafe, tx) {
		t.Fatal("expected identical hash for identical input")
	}
	if first == TxHash(10, testSafe, tx) {
		t.Fatal("expected chain id to change the hash")
	}
	bumped := tx
	bumped.Nonce = 8
	if first == TxHash(1, testSafe, bumped) {
		t.Fatal("expected nonce to change the hash")
	}
	if first == (common.Hash{}) {
		t.Fatal("unexpected zero hash")
	}
}

func TestNewProposalEncodesFields(t *testing.T) {
	tx := NewCall(common.HexToAddress("0x00000000000000000000000000000000000000aa"), big.NewInt(5), []byte{0xde, 0xad}, 3)
	hash := TxHash(1, testSafe, tx)
	p := NewProposal(tx, hash, common.HexToAddress("0x00000000000000000000000000000000000000bb"), []byte{0x01})
	if p.Data == nil || *p.Data != "0xdead" {
		t.Fatalf("unexpected data field: %v", p.Data)
	}
	if p.Value != "5" || p.Nonce != 3 || p.ContractTransactionHash != hash.Hex() {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	empty := NewProposal(NewCall(tx.To, nil, nil, 0), hash, tx.To, nil)
	if empty.Data != nil {
		t.Fatal("expected nil data for empty calldata")
	}
}

func TestClientNonceAccountsForQueuedProposals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/multisig-transactions/"):
			_, _ = w.Write([]byte(`{"results":[{"nonce":"5"}]}`))
		default:
			_, _ = w.Write([]byte(`{"nonce":4}`))
		}
	}))
	defer srv.Close()

	client := NewClient(httpx.New(time.Second, 0), func(int64) (string, error) { return srv.URL, nil })
	nonce, err := client.Nonce(context.Background(), 1, testSafe)
	if err != nil {
		t.Fatalf("Nonce failed: %v", err)
	}
	if nonce != 6 {
		t.Fatalf("expected nonce after queued proposal, got %d", nonce)
	}
}

func TestClientProposePostsBody(t *testing.T) {
	var got Proposal
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(httpx.New(time.Second, 0), func(int64) (string, error) { return srv.URL + "/", nil })
	tx := NewCall(common.HexToAddress("0x00000000000000000000000000000000000000aa"), nil, nil, 1)
	hash := TxHash(1, testSafe, tx)
	if err := client.Propose(context.Background(), 1, testSafe, NewProposal(tx, hash, testSafe, []byte{0x1})); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if got.ContractTransactionHash != hash.Hex() {
		t.Fatalf("unexpected posted proposal: %+v", got)
	}
}

func TestClientTransactionNotIndexedYet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(httpx.New(time.Second, 0), func(int64) (string, error) { return srv.URL, nil })
	_, found, err := client.Transaction(context.Background(), 1, "0xabc")
	if err != nil || found {
		t.Fatalf("expected not-found without error, got found=%v err=%v", found, err)
	}
}

func TestClientWithoutResolver(t *testing.T) {
	client := NewClient(httpx.New(time.Second, 0), nil)
	if _, err := client.Nonce(context.Background(), 1, testSafe); err == nil {
		t.Fatal("expected error without a service resolver")
	}
}
