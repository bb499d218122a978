package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/renzo4web/link-sign-402/pkg/agreementid"
)

// Well-known throwaway dev key, never funded.
const testOperatorKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000cc")

type fakeBackend struct {
	mu  sync.Mutex
	abi abi.ABI

	exists   map[[32]byte]bool
	signed   map[string]bool
	callErr  error
	simErr   error
	sendErr  error
	noRcpt   bool
	rcptFail bool

	sendCalls int
	rcptCalls int
	lastTx    *types.Transaction
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &fakeBackend{abi: parsed, exists: map[[32]byte]bool{}, signed: map[string]bool{}}
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callErr != nil {
		return nil, b.callErr
	}
	method, err := b.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "agreementExists":
		id := args[0].([32]byte)
		return method.Outputs.Pack(b.exists[id])
	case "hasSigned":
		id := args[0].([32]byte)
		signer := args[1].(common.Address)
		return method.Outputs.Pack(b.signed[string(id[:])+signer.Hex()])
	case "registerAgreement", "recordSignature":
		if b.simErr != nil {
			return nil, b.simErr
		}
		return nil, nil
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendCalls++
	b.lastTx = tx
	return b.sendErr
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rcptCalls++
	if b.noRcpt {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if b.rcptFail {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: txHash}, nil
}

// revertData ABI-encodes Error(string) the way a node reports reverts.
type revertDataError struct {
	data string
}

func (e *revertDataError) Error() string          { return "execution reverted" }
func (e *revertDataError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) *revertDataError {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("abi type: %v", err)
	}
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert: %v", err)
	}
	// 0x08c379a0 is the Error(string) selector.
	return &revertDataError{data: "0x08c379a0" + common.Bytes2Hex(packed)}
}

func newTestRegistry(t *testing.T, b Backend) *Registry {
	t.Helper()
	r, err := New(b, testContract, testOperatorKey, big.NewInt(84532), Config{
		ConfirmTimeout: 300 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func someRegisterArgs() RegisterArgs {
	return RegisterArgs{
		ID:         agreementid.ID{1},
		DocHash:    agreementid.Fingerprint{2},
		CID:        "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		Creator:    common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		PaymentRef: agreementid.PaymentRef{3},
	}
}

func TestExistsFoundAndNotFound(t *testing.T) {
	b := newFakeBackend(t)
	r := newTestRegistry(t, b)

	id := agreementid.ID{9}
	if got := r.Exists(context.Background(), id); got.Err != nil || got.Found {
		t.Fatalf("unknown id: %+v", got)
	}
	b.exists[[32]byte(id)] = true
	if got := r.Exists(context.Background(), id); got.Err != nil || !got.Found {
		t.Fatalf("known id: %+v", got)
	}
}

func TestExistsTransportFailureIsUnknownNotFound(t *testing.T) {
	b := newFakeBackend(t)
	b.callErr = errors.New("connection reset")
	r := newTestRegistry(t, b)

	got := r.Exists(context.Background(), agreementid.ID{9})
	if got.Err == nil {
		t.Fatalf("expected Unknown lookup, got %+v", got)
	}
	if got.Found {
		t.Fatalf("transport failure must never report found")
	}
}

func TestHasSigned(t *testing.T) {
	b := newFakeBackend(t)
	r := newTestRegistry(t, b)
	id := agreementid.ID{4}
	signer := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	if got := r.HasSigned(context.Background(), id, signer); got.Found {
		t.Fatalf("unexpected signed=true")
	}
	b.signed[string(id[:])+signer.Hex()] = true
	if got := r.HasSigned(context.Background(), id, signer); got.Err != nil || !got.Found {
		t.Fatalf("expected signed=true: %+v", got)
	}
}

func TestRegisterConfirmed(t *testing.T) {
	b := newFakeBackend(t)
	r := newTestRegistry(t, b)

	res, err := r.Register(context.Background(), someRegisterArgs(), true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !res.Accepted || !res.Confirmed {
		t.Fatalf("result = %+v, want accepted and confirmed", res)
	}
	if res.TxHash != b.lastTx.Hash() {
		t.Fatalf("returned hash %s != broadcast hash %s", res.TxHash.Hex(), b.lastTx.Hash().Hex())
	}
	if b.sendCalls != 1 {
		t.Fatalf("sendCalls = %d", b.sendCalls)
	}
}

func TestRegisterNoWaitSkipsReceiptPolling(t *testing.T) {
	b := newFakeBackend(t)
	r := newTestRegistry(t, b)

	res, err := r.Register(context.Background(), someRegisterArgs(), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.Confirmed {
		t.Fatalf("confirmed without waiting")
	}
	if b.rcptCalls != 0 {
		t.Fatalf("receipt polled %d times without wait", b.rcptCalls)
	}
}

func TestRegisterSimulationRevertSurfacesReason(t *testing.T) {
	b := newFakeBackend(t)
	b.simErr = encodeRevert(t, "agreement already registered")
	r := newTestRegistry(t, b)

	_, err := r.Register(context.Background(), someRegisterArgs(), true)
	var re *RevertError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RevertError", err)
	}
	if re.Reason != "agreement already registered" {
		t.Fatalf("reason = %q", re.Reason)
	}
	if b.sendCalls != 0 {
		t.Fatalf("broadcast happened after failed simulation")
	}
}

func TestRegisterAlreadyKnownIsNotAnError(t *testing.T) {
	b := newFakeBackend(t)
	b.sendErr = errors.New("already known")
	r := newTestRegistry(t, b)

	res, err := r.Register(context.Background(), someRegisterArgs(), true)
	if err != nil {
		t.Fatalf("already-known broadcast must not fail: %v", err)
	}
	if res.Accepted {
		t.Fatalf("accepted must be false for a duplicate broadcast")
	}
	if res.TxHash != b.lastTx.Hash() {
		t.Fatalf("hash must be computed locally from the signed payload")
	}
	if !res.Confirmed {
		t.Fatalf("confirmation was requested and obtainable")
	}
}

func TestRegisterConfirmTimeoutIsDistinctFromRevert(t *testing.T) {
	b := newFakeBackend(t)
	b.noRcpt = true
	r := newTestRegistry(t, b)

	res, err := r.Register(context.Background(), someRegisterArgs(), true)
	if !errors.Is(err, ErrConfirmTimeout) {
		t.Fatalf("err = %v, want ErrConfirmTimeout", err)
	}
	var re *RevertError
	if errors.As(err, &re) {
		t.Fatalf("timeout must not look like a revert")
	}
	if res.TxHash == (common.Hash{}) {
		t.Fatalf("tx hash should still be reported after broadcast")
	}
}

func TestRegisterCallerCancelIsNotConfirmTimeout(t *testing.T) {
	b := newFakeBackend(t)
	b.noRcpt = true
	r := newTestRegistry(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := r.Register(ctx, someRegisterArgs(), true)
	if err == nil {
		t.Fatalf("expected an error after cancellation")
	}
	if errors.Is(err, ErrConfirmTimeout) {
		t.Fatalf("caller cancellation must not be reported as a confirm timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRegisterMinedRevertIsRevertError(t *testing.T) {
	b := newFakeBackend(t)
	b.rcptFail = true
	r := newTestRegistry(t, b)

	_, err := r.Register(context.Background(), someRegisterArgs(), true)
	var re *RevertError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RevertError", err)
	}
}

func TestRecordSignatureConfirmed(t *testing.T) {
	b := newFakeBackend(t)
	r := newTestRegistry(t, b)

	res, err := r.RecordSignature(context.Background(), SignArgs{
		ID:         agreementid.ID{1},
		Signer:     common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		PaymentRef: agreementid.PaymentRef{5},
	}, true)
	if err != nil {
		t.Fatalf("recordSignature: %v", err)
	}
	if !res.Accepted || !res.Confirmed {
		t.Fatalf("result = %+v", res)
	}
}

func TestChainRef(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(t))
	if r.ChainRef() != "eip155:84532" {
		t.Fatalf("chain ref = %s", r.ChainRef())
	}
}
