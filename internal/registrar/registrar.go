// Package registrar orchestrates the payment-gated registration workflow:
// hash, upload, collect payment, compute the agreement id, and write to the
// ledger, with the ordering that keeps retries charge-safe.
package registrar

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/renzo4web/link-sign-402/pkg/agreementid"
	"github.com/renzo4web/link-sign-402/pkg/ledger"
	"github.com/renzo4web/link-sign-402/pkg/x402"
)

// ErrPaymentRequired: the request carried no payment proof. The handler
// answers with the 402 challenge.
var ErrPaymentRequired = errors.New("payment required")

// ErrNotFound: no creation event for the agreement id.
var ErrNotFound = errors.New("agreement not found")

// ErrAlreadySigned: the signer already has a signature event on this
// agreement. Surfaced before any charge.
var ErrAlreadySigned = errors.New("address has already signed this agreement")

// UpstreamError wraps a dependency transport failure (storage, facilitator
// transport, ledger reads on the aggregation path).
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Store is the content-addressable blob store collaborator.
type Store interface {
	Pin(ctx context.Context, name string, data []byte) (string, error)
}

// PaymentGate is the x402 handshake collaborator.
type PaymentGate interface {
	Challenge(resource string) x402.Challenge
	Collect(ctx context.Context, rawHeader, resource string) (*x402.Receipt, error)
}

// Ledger is the registry contract collaborator.
type Ledger interface {
	Exists(ctx context.Context, id agreementid.ID) ledger.Lookup
	HasSigned(ctx context.Context, id agreementid.ID, signer common.Address) ledger.Lookup
	Register(ctx context.Context, args ledger.RegisterArgs, waitForConfirmation bool) (ledger.Result, error)
	RecordSignature(ctx context.Context, args ledger.SignArgs, waitForConfirmation bool) (ledger.Result, error)
	Agreement(ctx context.Context, id agreementid.ID) (ledger.AgreementState, error)
	Signers(ctx context.Context, id agreementid.ID) ([]common.Address, error)
	ChainRef() string
}

type Registrar struct {
	store        Store
	gate         PaymentGate
	ledger       Ledger
	explorerBase string
	log          zerolog.Logger
}

func New(store Store, gate PaymentGate, led Ledger, explorerBase string, log zerolog.Logger) *Registrar {
	return &Registrar{
		store:        store,
		gate:         gate,
		ledger:       led,
		explorerBase: explorerBase,
		log:          log.With().Str("component", "registrar").Logger(),
	}
}

type CreateInput struct {
	FileBytes      []byte
	FileName       string
	CreatorAddress string
	PaymentHeader  string
}

type CreateOutput struct {
	AgreementID    string `json:"agreementId"`
	DocHash        string `json:"docHash"`
	CID            string `json:"cid"`
	Creator        string `json:"creator"`
	PaymentRef     string `json:"paymentRef"`
	ChainRef       string `json:"chainRef"`
	TxHash         string `json:"txHash"`
	Confirmed      bool   `json:"confirmed"`
	Link           string `json:"link"`
	AlreadyExisted bool   `json:"alreadyExisted"`

	Receipt *x402.Receipt `json:"-"`
}

// Create registers a document. Cheap validations run first so a request that
// can never succeed is never charged; upload precedes settlement so a
// storage failure is never charged either; the exists() short-circuit makes
// a retried create with the same settled payment idempotent.
func (r *Registrar) Create(ctx context.Context, in CreateInput) (*CreateOutput, error) {
	creator, err := agreementid.ParseAddress(in.CreatorAddress, "creatorAddress")
	if err != nil {
		return nil, err
	}
	if len(in.FileBytes) == 0 {
		return nil, &agreementid.FieldError{Field: "file", Reason: "document is empty"}
	}

	fp := agreementid.FingerprintBytes(in.FileBytes)

	// The header's presence is inspected before the upload, but settlement
	// only happens after it succeeds: a client is never charged when
	// storage fails, and storage is never consumed by a paymentless probe.
	if in.PaymentHeader == "" {
		return nil, ErrPaymentRequired
	}

	name := in.FileName
	if name == "" {
		name = fp.Hex()
	}
	locator, err := r.store.Pin(ctx, name, in.FileBytes)
	if err != nil {
		return nil, &UpstreamError{Op: "upload document", Err: err}
	}
	rcpt, err := r.gate.Collect(ctx, in.PaymentHeader, "/api/create")
	if err != nil {
		return nil, err
	}

	id := agreementid.Compute(fp, creator, rcpt.Ref)
	log := r.log.With().Str("agreement_id", id.Hex()).Str("creator", creator.Hex()).Logger()

	// Optimization only: the contract's uniqueness check on the write path
	// is the real backstop, so an Unknown read coerces to false.
	lk := r.ledger.Exists(ctx, id)
	if lk.Err != nil {
		log.Warn().Err(lk.Err).Msg("existence check failed, proceeding to write")
	}
	if lk.Err == nil && lk.Found {
		log.Info().Msg("agreement already registered, short-circuiting")
		return &CreateOutput{
			AgreementID:    id.Hex(),
			DocHash:        fp.Hex(),
			CID:            locator,
			Creator:        creator.Hex(),
			PaymentRef:     rcpt.Ref.Hex(),
			ChainRef:       r.ledger.ChainRef(),
			Confirmed:      true,
			AlreadyExisted: true,
			Receipt:        rcpt,
		}, nil
	}

	res, err := r.ledger.Register(ctx, ledger.RegisterArgs{
		ID:         id,
		DocHash:    fp,
		CID:        locator,
		Creator:    creator,
		PaymentRef: rcpt.Ref,
	}, true)
	if err != nil {
		return nil, err
	}
	log.Info().Str("tx", res.TxHash.Hex()).Bool("confirmed", res.Confirmed).Msg("agreement registered")

	return &CreateOutput{
		AgreementID: id.Hex(),
		DocHash:     fp.Hex(),
		CID:         locator,
		Creator:     creator.Hex(),
		PaymentRef:  rcpt.Ref.Hex(),
		ChainRef:    r.ledger.ChainRef(),
		TxHash:      res.TxHash.Hex(),
		Confirmed:   res.Confirmed,
		Link:        r.txLink(res.TxHash.Hex()),
		Receipt:     rcpt,
	}, nil
}

type SignInput struct {
	AgreementID   string
	SignerAddress string
	PaymentHeader string
}

type SignOutput struct {
	AgreementID string `json:"agreementId"`
	Signer      string `json:"signer"`
	PaymentRef  string `json:"paymentRef"`
	ChainRef    string `json:"chainRef"`
	TxHash      string `json:"txHash"`
	Confirmed   bool   `json:"confirmed"`
	Link        string `json:"link"`

	Receipt *x402.Receipt `json:"-"`
}

// Sign appends a co-signature. Both pre-checks run before the payment gate:
// a signer is never charged for an agreement that does not exist or that
// they already signed.
func (r *Registrar) Sign(ctx context.Context, in SignInput) (*SignOutput, error) {
	id, err := agreementid.ParseID(in.AgreementID, "agreementId")
	if err != nil {
		return nil, err
	}
	signer, err := agreementid.ParseAddress(in.SignerAddress, "signerAddress")
	if err != nil {
		return nil, err
	}

	if lk := r.ledger.Exists(ctx, id); lk.Err != nil {
		r.log.Warn().Err(lk.Err).Msg("existence check failed before sign")
		return nil, &UpstreamError{Op: "check agreement", Err: lk.Err}
	} else if !lk.Found {
		return nil, ErrNotFound
	}
	if lk := r.ledger.HasSigned(ctx, id, signer); lk.Err != nil {
		r.log.Warn().Err(lk.Err).Msg("signer check failed before sign")
		return nil, &UpstreamError{Op: "check signer", Err: lk.Err}
	} else if lk.Found {
		return nil, ErrAlreadySigned
	}

	if in.PaymentHeader == "" {
		return nil, ErrPaymentRequired
	}
	rcpt, err := r.gate.Collect(ctx, in.PaymentHeader, "/api/sign")
	if err != nil {
		return nil, err
	}

	res, err := r.ledger.RecordSignature(ctx, ledger.SignArgs{
		ID:         id,
		Signer:     signer,
		PaymentRef: rcpt.Ref,
	}, true)
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("agreement_id", id.Hex()).Str("signer", signer.Hex()).Str("tx", res.TxHash.Hex()).Msg("signature recorded")

	return &SignOutput{
		AgreementID: id.Hex(),
		Signer:      signer.Hex(),
		PaymentRef:  rcpt.Ref.Hex(),
		ChainRef:    r.ledger.ChainRef(),
		TxHash:      res.TxHash.Hex(),
		Confirmed:   res.Confirmed,
		Link:        r.txLink(res.TxHash.Hex()),
		Receipt:     rcpt,
	}, nil
}

type AgreementView struct {
	AgreementID string   `json:"agreementId"`
	DocHash     string   `json:"docHash"`
	CID         string   `json:"cid"`
	Creator     string   `json:"creator"`
	PaymentRef  string   `json:"paymentRef"`
	ChainRef    string   `json:"chainRef"`
	CreatedAt   uint64   `json:"createdAt"`
	Signers     []string `json:"signers"`
}

// Get aggregates the creation event and all signature events for an id.
func (r *Registrar) Get(ctx context.Context, rawID string) (*AgreementView, error) {
	id, err := agreementid.ParseID(rawID, "agreementId")
	if err != nil {
		return nil, err
	}
	st, err := r.ledger.Agreement(ctx, id)
	if err != nil {
		return nil, &UpstreamError{Op: "read agreement", Err: err}
	}
	if !st.Exists {
		return nil, ErrNotFound
	}
	signers, err := r.ledger.Signers(ctx, id)
	if err != nil {
		return nil, &UpstreamError{Op: "read signers", Err: err}
	}
	out := &AgreementView{
		AgreementID: id.Hex(),
		DocHash:     "0x" + fmt.Sprintf("%x", st.DocHash),
		CID:         st.CID,
		Creator:     st.Creator.Hex(),
		PaymentRef:  "0x" + fmt.Sprintf("%x", st.PaymentRef),
		ChainRef:    r.ledger.ChainRef(),
		CreatedAt:   st.CreatedAt,
		Signers:     make([]string, 0, len(signers)),
	}
	for _, s := range signers {
		out.Signers = append(out.Signers, s.Hex())
	}
	return out, nil
}

func (r *Registrar) txLink(txHash string) string {
	if r.explorerBase == "" {
		return ""
	}
	return r.explorerBase + "/tx/" + txHash
}
