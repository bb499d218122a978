// Package ledger adapts the AgreementRegistry contract: existence and
// membership reads, and write submission with simulation, duplicate-broadcast
// tolerance, and bounded confirmation tracking.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/renzo4web/link-sign-402/pkg/agreementid"
)

const registryABI = `[
	{"type":"function","name":"registerAgreement","stateMutability":"nonpayable","inputs":[
		{"name":"agreementId","type":"bytes32"},
		{"name":"docHash","type":"bytes32"},
		{"name":"cid","type":"string"},
		{"name":"creator","type":"address"},
		{"name":"paymentRef","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"recordSignature","stateMutability":"nonpayable","inputs":[
		{"name":"agreementId","type":"bytes32"},
		{"name":"signer","type":"address"},
		{"name":"paymentRef","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"agreementExists","stateMutability":"view","inputs":[
		{"name":"agreementId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"hasSigned","stateMutability":"view","inputs":[
		{"name":"agreementId","type":"bytes32"},
		{"name":"signer","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getAgreement","stateMutability":"view","inputs":[
		{"name":"agreementId","type":"bytes32"}],"outputs":[
		{"name":"docHash","type":"bytes32"},
		{"name":"cid","type":"string"},
		{"name":"creator","type":"address"},
		{"name":"paymentRef","type":"bytes32"},
		{"name":"createdAt","type":"uint64"},
		{"name":"exists","type":"bool"}]},
	{"type":"function","name":"getSigners","stateMutability":"view","inputs":[
		{"name":"agreementId","type":"bytes32"}],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"event","name":"AgreementRegistered","inputs":[
		{"name":"agreementId","type":"bytes32","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"docHash","type":"bytes32","indexed":false},
		{"name":"cid","type":"string","indexed":false},
		{"name":"paymentRef","type":"bytes32","indexed":false}],"anonymous":false},
	{"type":"event","name":"AgreementSigned","inputs":[
		{"name":"agreementId","type":"bytes32","indexed":true},
		{"name":"signer","type":"address","indexed":true},
		{"name":"paymentRef","type":"bytes32","indexed":false}],"anonymous":false}
]`

// Backend is the slice of an Ethereum client the registry needs. Satisfied
// by *ethclient.Client.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ErrConfirmTimeout: the transaction was broadcast but inclusion was not
// observed within the configured bound. Distinct from a revert; the client
// can poll the tx hash.
var ErrConfirmTimeout = errors.New("timed out waiting for transaction confirmation")

// RevertError carries the reason the contract gave for refusing a write,
// from simulation or from a mined-but-failed receipt.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "ledger revert: " + e.Reason }

// Lookup is the result of a read-only check. Found is only meaningful when
// Err is nil; callers choose whether to coerce Unknown to false or to
// propagate the failure.
type Lookup struct {
	Found bool
	Err   error
}

// Result reports a submitted write. Accepted is false when the node already
// knew the transaction (a network-level retry re-broadcast the identical
// signed payload); the hash is the same either way.
type Result struct {
	TxHash    common.Hash
	Accepted  bool
	Confirmed bool
}

type RegisterArgs struct {
	ID         agreementid.ID
	DocHash    agreementid.Fingerprint
	CID        string
	Creator    common.Address
	PaymentRef agreementid.PaymentRef
}

type SignArgs struct {
	ID         agreementid.ID
	Signer     common.Address
	PaymentRef agreementid.PaymentRef
}

// AgreementState is the ledger-side view of one agreement.
type AgreementState struct {
	DocHash    [32]byte
	CID        string
	Creator    common.Address
	PaymentRef [32]byte
	CreatedAt  uint64
	Exists     bool
}

type Config struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Registry submits to and reads from one AgreementRegistry deployment.
type Registry struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	cfg      Config
	log      zerolog.Logger
}

func New(backend Backend, contract common.Address, operatorKeyHex string, chainID *big.Int, cfg Config, log zerolog.Logger) (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Registry{
		backend:  backend,
		abi:      parsed,
		contract: contract,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		cfg:      cfg,
		log:      log.With().Str("component", "ledger").Str("contract", contract.Hex()).Logger(),
	}, nil
}

// ChainRef is the CAIP-2 reference recorded alongside every event.
func (r *Registry) ChainRef() string {
	return "eip155:" + r.chainID.String()
}

// Operator returns the address writes are sent from.
func (r *Registry) Operator() common.Address { return r.from }

// Exists reports whether an agreement id is registered. A transport failure
// is reported as Unknown, never as found; callers treating Unknown as false
// are covered by the contract's own uniqueness check on the write path.
func (r *Registry) Exists(ctx context.Context, id agreementid.ID) Lookup {
	return r.viewBool(ctx, "agreementExists", [32]byte(id))
}

// HasSigned reports whether signer already signed the agreement. Same
// conservative failure policy as Exists.
func (r *Registry) HasSigned(ctx context.Context, id agreementid.ID, signer common.Address) Lookup {
	return r.viewBool(ctx, "hasSigned", [32]byte(id), signer)
}

func (r *Registry) viewBool(ctx context.Context, method string, args ...any) Lookup {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return Lookup{Err: fmt.Errorf("pack %s: %w", method, err)}
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return Lookup{Err: fmt.Errorf("call %s: %w", method, err)}
	}
	vals, err := r.abi.Unpack(method, out)
	if err != nil || len(vals) != 1 {
		return Lookup{Err: fmt.Errorf("unpack %s: %w", method, err)}
	}
	b, ok := vals[0].(bool)
	if !ok {
		return Lookup{Err: fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])}
	}
	return Lookup{Found: b}
}

// Register submits a creation write for a new agreement id.
func (r *Registry) Register(ctx context.Context, args RegisterArgs, waitForConfirmation bool) (Result, error) {
	data, err := r.abi.Pack("registerAgreement",
		[32]byte(args.ID), [32]byte(args.DocHash), args.CID, args.Creator, [32]byte(args.PaymentRef))
	if err != nil {
		return Result{}, fmt.Errorf("pack registerAgreement: %w", err)
	}
	return r.submit(ctx, data, waitForConfirmation)
}

// RecordSignature submits a co-signature write for an existing agreement.
func (r *Registry) RecordSignature(ctx context.Context, args SignArgs, waitForConfirmation bool) (Result, error) {
	data, err := r.abi.Pack("recordSignature",
		[32]byte(args.ID), args.Signer, [32]byte(args.PaymentRef))
	if err != nil {
		return Result{}, fmt.Errorf("pack recordSignature: %w", err)
	}
	return r.submit(ctx, data, waitForConfirmation)
}

// Agreement reads the stored creation state for an id.
func (r *Registry) Agreement(ctx context.Context, id agreementid.ID) (AgreementState, error) {
	data, err := r.abi.Pack("getAgreement", [32]byte(id))
	if err != nil {
		return AgreementState{}, fmt.Errorf("pack getAgreement: %w", err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return AgreementState{}, fmt.Errorf("call getAgreement: %w", err)
	}
	vals, err := r.abi.Unpack("getAgreement", out)
	if err != nil || len(vals) != 6 {
		return AgreementState{}, fmt.Errorf("unpack getAgreement: %w", err)
	}
	st := AgreementState{}
	var ok bool
	if st.DocHash, ok = vals[0].([32]byte); !ok {
		return AgreementState{}, fmt.Errorf("unpack getAgreement: docHash is %T", vals[0])
	}
	st.CID, _ = vals[1].(string)
	st.Creator, _ = vals[2].(common.Address)
	if st.PaymentRef, ok = vals[3].([32]byte); !ok {
		return AgreementState{}, fmt.Errorf("unpack getAgreement: paymentRef is %T", vals[3])
	}
	st.CreatedAt, _ = vals[4].(uint64)
	st.Exists, _ = vals[5].(bool)
	return st, nil
}

// Signers reads every address that has co-signed an agreement.
func (r *Registry) Signers(ctx context.Context, id agreementid.ID) ([]common.Address, error) {
	data, err := r.abi.Pack("getSigners", [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("pack getSigners: %w", err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getSigners: %w", err)
	}
	vals, err := r.abi.Unpack("getSigners", out)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("unpack getSigners: %w", err)
	}
	addrs, ok := vals[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unpack getSigners: unexpected type %T", vals[0])
	}
	return addrs, nil
}

// submit walks one attempt through Simulated -> Signed -> Broadcast ->
// {Confirmed, AlreadyKnown -> Confirmed, Reverted}.
func (r *Registry) submit(ctx context.Context, data []byte, wait bool) (Result, error) {
	msg := ethereum.CallMsg{From: r.from, To: &r.contract, Data: data}

	// Simulate first so revert reasons surface as structured errors instead
	// of an opaque broadcast failure.
	if _, err := r.backend.CallContract(ctx, msg, nil); err != nil {
		return Result{}, r.asRevert(err)
	}

	tx, err := r.buildAndSign(ctx, msg)
	if err != nil {
		return Result{}, err
	}

	res := Result{TxHash: tx.Hash(), Accepted: true}
	if err := r.backend.SendTransaction(ctx, tx); err != nil {
		if !isAlreadyKnown(err) {
			return Result{}, fmt.Errorf("broadcast: %w", err)
		}
		// Identical signed payload already in the pool, typically from a
		// network-level retry. Same hash, nothing new accepted.
		r.log.Debug().Str("tx", tx.Hash().Hex()).Msg("transaction already known")
		res.Accepted = false
	}

	if !wait {
		return res, nil
	}
	if err := r.waitConfirmed(ctx, tx.Hash()); err != nil {
		return res, err
	}
	res.Confirmed = true
	return res, nil
}

func (r *Registry) buildAndSign(ctx context.Context, msg ethereum.CallMsg) (*types.Transaction, error) {
	nonce, err := r.backend.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := r.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	tx, err := types.SignNewTx(r.key, types.LatestSignerForChainID(r.chainID), &types.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        msg.To,
		Data:      msg.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return tx, nil
}

// waitConfirmed polls for the receipt until ConfirmTimeout. The bound is
// deliberate: an unbounded wait turns a slow chain into a hung request.
func (r *Registry) waitConfirmed(parent context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(parent, r.cfg.ConfirmTimeout)
	defer cancel()

	backoff := retry.NewConstant(r.cfg.PollInterval)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rcpt, err := r.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			// ethereum.NotFound means not yet mined; transient RPC errors
			// are retried the same way until the deadline.
			return retry.RetryableError(err)
		}
		if rcpt.Status == types.ReceiptStatusFailed {
			return &RevertError{Reason: "transaction reverted on-chain"}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	var re *RevertError
	if errors.As(err, &re) {
		return re
	}
	// The caller backing out is not the chain being slow. Only the local
	// deadline counts as a confirmation timeout.
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrConfirmTimeout, txHash.Hex())
	}
	return err
}

// asRevert turns a simulation failure into a RevertError when the node
// returned ABI-encoded revert data; anything else stays a transport error.
func (r *Registry) asRevert(err error) error {
	type dataError interface {
		ErrorData() interface{}
	}
	var de dataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				return &RevertError{Reason: reason}
			}
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &RevertError{Reason: err.Error()}
	}
	return fmt.Errorf("simulate: %w", err)
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "transaction already imported")
}
