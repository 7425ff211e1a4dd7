package signer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/safe"
)

type fakeBackend struct {
	chainID *big.Int
	sent    []*types.Transaction
	sendErr error
	nonce   uint64
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return b.chainID, nil }
func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}
func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errors.New("not supported")
}
func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10_000_000_000)}, nil
}
func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}
func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func testKey(t *testing.T) *LocalSigner {
	t.Helper()
	s, err := NewLocalSigner(LocalSignerConfig{PrivateKeyHex: testPrivateKey})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	return s
}

func sourceFor(b Backend) BackendSource {
	return func(context.Context, int64) (Backend, error) { return b, nil }
}

func TestApprovalCallDefaultsToMax(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	spender := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	call, err := ApprovalCall(Approval{ChainID: 1, Token: token, Spender: spender})
	if err != nil {
		t.Fatalf("ApprovalCall failed: %v", err)
	}
	if call.To != token {
		t.Fatalf("expected call to token, got %s", call.To.Hex())
	}
	if len(call.Data) != 4+32+32 {
		t.Fatalf("unexpected calldata length %d", len(call.Data))
	}
	if got := common.Bytes2Hex(call.Data[:4]); got != "095ea7b3" {
		t.Fatalf("unexpected selector %s", got)
	}
	if new(big.Int).SetBytes(call.Data[36:]).Cmp(MaxApproval()) != 0 {
		t.Fatal("expected max approval amount")
	}
}

func TestApprovalCallRejectsNegativeAmount(t *testing.T) {
	if _, err := ApprovalCall(Approval{Amount: big.NewInt(-1)}); err == nil {
		t.Fatal("expected negative amount error")
	}
}

func TestDirectSignerBroadcastsDynamicFeeTx(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(8453), nonce: 7}
	s := NewDirectSigner(testKey(t), sourceFor(backend), DefaultTxOptions())
	handle, err := s.Execute(context.Background(), Call{
		ChainID: 8453,
		To:      common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Data:    []byte{0x01, 0x02},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if handle.Hash != tx.Hash().Hex() || handle.ChainID != 8453 || handle.Proposed {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if tx.Nonce() != 7 || tx.Gas() != 120_000 {
		t.Fatalf("unexpected nonce/gas: %d/%d", tx.Nonce(), tx.Gas())
	}
	if tx.GasTipCap().Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("expected 2 gwei tip fallback, got %s", tx.GasTipCap())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(22_000_000_000)) != 0 {
		t.Fatalf("expected fee cap 2*base+tip, got %s", tx.GasFeeCap())
	}
}

func TestDirectSignerChainMismatch(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1)}
	s := NewDirectSigner(testKey(t), sourceFor(backend), DefaultTxOptions())
	_, err := s.Execute(context.Background(), Call{ChainID: 10, To: common.HexToAddress("0x01")})
	if !clierr.HasCode(err, clierr.CodeActionPlan) {
		t.Fatalf("expected action plan error, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatal("expected no broadcast on chain mismatch")
	}
}

func TestDirectSignerCancelledContextSendsNothing(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1)}
	s := NewDirectSigner(testKey(t), sourceFor(backend), DefaultTxOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Approve(ctx, Approval{ChainID: 1, Token: common.HexToAddress("0x01"), Spender: common.HexToAddress("0x02")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatal("expected no broadcast after cancellation")
	}
}

func TestDirectSignerBroadcastErrorIsUnavailable(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1), sendErr: errors.New("nonce too low")}
	s := NewDirectSigner(testKey(t), sourceFor(backend), DefaultTxOptions())
	_, err := s.Execute(context.Background(), Call{ChainID: 1, To: common.HexToAddress("0x01")})
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

// slowBackend records the transaction as accepted, then holds the broadcast
// open until released or its context ends.
type slowBackend struct {
	*fakeBackend
	sending chan struct{}
	release chan struct{}
}

func newSlowBackend() *slowBackend {
	return &slowBackend{
		fakeBackend: &fakeBackend{chainID: big.NewInt(1)},
		sending:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (b *slowBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.sent = append(b.sent, tx)
	close(b.sending)
	select {
	case <-b.release:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDirectSignerBroadcastOutlivesCancellation(t *testing.T) {
	backend := newSlowBackend()
	s := NewDirectSigner(testKey(t), sourceFor(backend), DefaultTxOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		handle TxHandle
		err    error
	}
	done := make(chan result, 1)
	go func() {
		h, err := s.Execute(ctx, Call{ChainID: 1, To: common.HexToAddress("0x01")})
		done <- result{h, err}
	}()
	<-backend.sending
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(backend.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("a started broadcast must not see the caller's cancellation, got %v", res.err)
	}
	if len(backend.sent) != 1 || res.handle.Hash != backend.sent[0].Hash().Hex() {
		t.Fatalf("expected the handle of the accepted transaction, got %+v", res.handle)
	}
}

func TestDirectSignerFailedBroadcastKeepsHash(t *testing.T) {
	backend := newSlowBackend()
	s := NewDirectSigner(testKey(t), sourceFor(backend), DefaultTxOptions())
	s.broadcastTimeout = 20 * time.Millisecond

	handle, err := s.Execute(context.Background(), Call{ChainID: 1, To: common.HexToAddress("0x01")})
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if len(backend.sent) != 1 || handle.Hash != backend.sent[0].Hash().Hex() {
		t.Fatalf("a signed transaction must come back with its hash, got %+v", handle)
	}
}

func TestResolveFeeCapOverride(t *testing.T) {
	if _, err := resolveFeeCap(big.NewInt(1), big.NewInt(5_000_000_000), "1"); err == nil {
		t.Fatal("expected fee cap below tip cap to fail")
	}
	got, err := resolveFeeCap(big.NewInt(1), big.NewInt(1), "1.5")
	if err != nil {
		t.Fatalf("resolveFeeCap failed: %v", err)
	}
	if got.Cmp(big.NewInt(1_500_000_000)) != 0 {
		t.Fatalf("unexpected fee cap %s", got)
	}
}

func TestParseGwei(t *testing.T) {
	if _, err := ParseGwei("0.0000000001"); err == nil {
		t.Fatal("expected sub-wei value to fail")
	}
	if _, err := ParseGwei("-1"); err == nil {
		t.Fatal("expected negative value to fail")
	}
	v, err := ParseGwei(" 2 ")
	if err != nil || v.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("unexpected parse result %v %v", v, err)
	}
}

type fakeSafeService struct {
	nonce      uint64
	proposals  []safe.Proposal
	proposeErr error
}

func (f *fakeSafeService) Nonce(context.Context, int64, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeSafeService) Propose(_ context.Context, _ int64, _ common.Address, p safe.Proposal) error {
	f.proposals = append(f.proposals, p)
	return f.proposeErr
}

func TestMultisigProposerProposesSafeTx(t *testing.T) {
	key := testKey(t)
	safeAddr := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	service := &fakeSafeService{nonce: 3}
	p := NewMultisigProposer(key, safeAddr, service)
	if p.Address() != safeAddr {
		t.Fatal("expected proposer address to be the safe")
	}

	call := Call{ChainID: 1, To: common.HexToAddress("0x00000000000000000000000000000000000000ee"), Data: []byte{0xaa}}
	handle, err := p.Execute(context.Background(), call)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := safe.TxHash(1, safeAddr, safe.NewCall(call.To, big.NewInt(0), call.Data, 3))
	if handle.Hash != want.Hex() || !handle.Proposed {
		t.Fatalf("unexpected handle %+v, want hash %s", handle, want.Hex())
	}
	if len(service.proposals) != 1 {
		t.Fatalf("expected one proposal, got %d", len(service.proposals))
	}
	got := service.proposals[0]
	if got.Nonce != 3 || got.ContractTransactionHash != want.Hex() || got.Sender != key.Address().Hex() {
		t.Fatalf("unexpected proposal %+v", got)
	}
	if !strings.HasPrefix(got.Signature, "0x") || len(got.Signature) != 2+130 {
		t.Fatalf("unexpected signature %q", got.Signature)
	}
}

func TestMultisigProposerRequiresChain(t *testing.T) {
	p := NewMultisigProposer(testKey(t), common.HexToAddress("0x01"), &fakeSafeService{})
	if _, err := p.Execute(context.Background(), Call{To: common.HexToAddress("0x02")}); !clierr.HasCode(err, clierr.CodeActionPlan) {
		t.Fatalf("expected action plan error, got %v", err)
	}
}

func TestMultisigProposerFailedProposalKeepsHash(t *testing.T) {
	safeAddr := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	service := &fakeSafeService{nonce: 7, proposeErr: errors.New("connection reset")}
	p := NewMultisigProposer(testKey(t), safeAddr, service)

	call := Call{ChainID: 1, To: common.HexToAddress("0x00000000000000000000000000000000000000ee")}
	handle, err := p.Execute(context.Background(), call)
	if err == nil {
		t.Fatal("expected proposal error")
	}
	want := safe.TxHash(1, safeAddr, safe.NewCall(call.To, big.NewInt(0), nil, 7))
	if handle.Hash != want.Hex() || !handle.Proposed {
		t.Fatalf("expected SafeTx hash %s with the error, got %+v", want.Hex(), handle)
	}
}

type recordingSigner struct {
	approvals int
	executes  int
}

func (r *recordingSigner) Address() common.Address { return common.HexToAddress("0x01") }
func (r *recordingSigner) Approve(context.Context, Approval) (TxHandle, error) {
	r.approvals++
	return TxHandle{Hash: "0xa"}, nil
}
func (r *recordingSigner) Execute(context.Context, Call) (TxHandle, error) {
	r.executes++
	return TxHandle{Hash: "0xb"}, nil
}

func TestPromptSignerDeclineIsUserRejected(t *testing.T) {
	next := &recordingSigner{}
	var asked string
	s := NewPromptSigner(next, func(_ context.Context, q string) (bool, error) {
		asked = q
		return false, nil
	})
	_, err := s.Approve(context.Background(), Approval{ChainID: 1})
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
	if next.approvals != 0 {
		t.Fatal("declined request must not reach the wrapped signer")
	}
	if !strings.Contains(asked, "max") {
		t.Fatalf("expected max approval in question, got %q", asked)
	}
}

func TestPromptSignerAcceptForwards(t *testing.T) {
	next := &recordingSigner{}
	s := NewPromptSigner(next, func(context.Context, string) (bool, error) { return true, nil })
	handle, err := s.Execute(context.Background(), Call{ChainID: 1})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if handle.Hash != "0xb" || next.executes != 1 {
		t.Fatalf("expected forwarded execute, got %+v (%d)", handle, next.executes)
	}
}

func TestAcquireNonceLockSerializesSameSignerChain(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unlock := acquireNonceLock(big.NewInt(1), from)
	secondAcquired := make(chan struct{})
	go func() {
		unlockSecond := acquireNonceLock(big.NewInt(1), from)
		close(secondAcquired)
		unlockSecond()
	}()

	select {
	case <-secondAcquired:
		t.Fatal("expected second lock attempt to block while first lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-secondAcquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected second lock attempt to acquire after unlock")
	}
}
