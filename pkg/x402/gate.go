package x402

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renzo4web/link-sign-402/pkg/agreementid"
)

// State names the steps of the per-request payment handshake. Logged, never
// persisted.
type State string

const (
	StateChallenged   State = "challenged"
	StateVerifying    State = "verifying"
	StateVerifyFailed State = "verify_failed"
	StateVerified     State = "verified"
	StateSettling     State = "settling"
	StateSettleFailed State = "settle_failed"
	StateSettled      State = "settled"
)

// FacilitatorAPI is what the Gate needs from a facilitator.
type FacilitatorAPI interface {
	Verify(ctx context.Context, payload *Payload, reqs Requirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *Payload, reqs Requirements) (*SettleResponse, error)
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// Receipt is the outcome of a settled payment. Ref feeds the agreement id,
// so settlement is always awaited before the request continues.
type Receipt struct {
	Ref    agreementid.PaymentRef
	Payer  string
	Settle *SettleResponse
}

// GateConfig fixes the requirements side of the handshake. AmountAtomic is
// the price in the asset's smallest unit, as a decimal string.
type GateConfig struct {
	Network      string
	PayTo        string
	Asset        string
	AmountAtomic string
	Description  string
	InitTimeout  time.Duration
}

// Gate mediates the payment handshake for protected requests. One Gate per
// process; the facilitator capability negotiation is lazy, memoized, and
// shared across concurrent first requests.
type Gate struct {
	fac FacilitatorAPI
	cfg GateConfig
	log zerolog.Logger

	mu       sync.Mutex
	ready    bool
	inflight *initFuture
}

type initFuture struct {
	done chan struct{}
	err  error
}

func NewGate(fac FacilitatorAPI, cfg GateConfig, log zerolog.Logger) *Gate {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	return &Gate{fac: fac, cfg: cfg, log: log.With().Str("component", "payment_gate").Logger()}
}

// Requirements builds the requirements structure for one resource. The same
// value is used for the challenge and for verify/settle.
func (g *Gate) Requirements(resource string) Requirements {
	return Requirements{
		Scheme:            SchemeExact,
		Network:           g.cfg.Network,
		MaxAmountRequired: g.cfg.AmountAtomic,
		Resource:          resource,
		Description:       g.cfg.Description,
		MimeType:          "application/json",
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: 300,
		Asset:             g.cfg.Asset,
	}
}

// Challenge builds the 402 body for a request with no payment attached.
func (g *Gate) Challenge(resource string) Challenge {
	g.log.Debug().Str("state", string(StateChallenged)).Str("resource", resource).Msg("payment required")
	return Challenge{
		X402Version: Version,
		Error:       "payment required",
		Accepts:     []Requirements{g.Requirements(resource)},
	}
}

// Collect runs the full handshake for an attached payment proof: decode,
// verify, settle, derive the payment reference. Settlement is awaited
// synchronously; the reference is an input to the agreement id so the
// response cannot be built without it.
func (g *Gate) Collect(ctx context.Context, rawHeader, resource string) (*Receipt, error) {
	payload, err := DecodePayment(rawHeader)
	if err != nil {
		return nil, err
	}

	if err := g.ensureReady(ctx); err != nil {
		return nil, fmt.Errorf("facilitator not ready: %w", err)
	}

	reqs := g.Requirements(resource)
	log := g.log.With().Str("resource", resource).Str("payer", payload.Payload.Authorization.From).Logger()

	log.Debug().Str("state", string(StateVerifying)).Msg("verifying payment")
	vr, err := g.fac.Verify(ctx, payload, reqs)
	if err != nil {
		return nil, fmt.Errorf("verify call: %w", err)
	}
	if !vr.IsValid {
		log.Info().Str("state", string(StateVerifyFailed)).Str("reason", vr.InvalidReason).Msg("payment rejected")
		return nil, &VerifyError{Reason: vr.InvalidReason}
	}

	log.Debug().Str("state", string(StateSettling)).Msg("settling payment")
	sr, err := g.fac.Settle(ctx, payload, reqs)
	if err != nil {
		return nil, fmt.Errorf("settle call: %w", err)
	}
	if !sr.Success {
		log.Warn().Str("state", string(StateSettleFailed)).Str("reason", sr.ErrorReason).Msg("settlement failed")
		return nil, &SettleError{Reason: sr.ErrorReason}
	}

	ref, err := paymentRef(sr, rawHeader)
	if err != nil {
		return nil, err
	}
	payer := sr.Payer
	if payer == "" {
		payer = vr.Payer
	}
	if payer == "" {
		payer = payload.Payload.Authorization.From
	}
	log.Info().Str("state", string(StateSettled)).Str("payment_ref", ref.Hex()).Str("tx", sr.Transaction).Msg("payment settled")
	return &Receipt{Ref: ref, Payer: payer, Settle: sr}, nil
}

// paymentRef derives the fixed-width payment reference from the settle
// outcome. Normally that is the settlement transaction hash; a facilitator
// running without broadcast settlement reports success with no transaction,
// in which case the reference is the SHA-256 of the raw header, which is
// equally stable across retries of the same signed proof. A transaction id
// that is present but not a 32-byte hash is an upstream shape we refuse to
// guess about.
func paymentRef(sr *SettleResponse, rawHeader string) (agreementid.PaymentRef, error) {
	if sr.Transaction == "" {
		return agreementid.PaymentRef(sha256.Sum256([]byte(rawHeader))), nil
	}
	b, err := agreementid.ParseHex32(sr.Transaction, "settlement transaction")
	if err != nil {
		// Deliberately not wrapped: a FieldError here would read as client
		// input validation, but the client has already been charged.
		return agreementid.PaymentRef{}, &ReceiptError{Detail: fmt.Sprintf("transaction %q is not a 32-byte hash", sr.Transaction)}
	}
	return agreementid.PaymentRef(b), nil
}

// ensureReady performs the facilitator capability negotiation at most once.
// Concurrent callers share the in-flight attempt; a failed attempt resets
// state so a later request can retry.
func (g *Gate) ensureReady(ctx context.Context) error {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return nil
	}
	if g.inflight == nil {
		fut := &initFuture{done: make(chan struct{})}
		g.inflight = fut
		go g.negotiate(fut)
	}
	fut := g.inflight
	g.mu.Unlock()

	select {
	case <-fut.done:
		return fut.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) negotiate(fut *initFuture) {
	// Not tied to the first caller's context: the result is shared.
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.InitTimeout)
	defer cancel()

	fut.err = g.checkSupported(ctx)

	g.mu.Lock()
	if fut.err == nil {
		g.ready = true
	} else {
		g.inflight = nil
		g.log.Warn().Err(fut.err).Msg("facilitator negotiation failed, will retry on next request")
	}
	g.mu.Unlock()
	close(fut.done)
}

func (g *Gate) checkSupported(ctx context.Context) error {
	sup, err := g.fac.Supported(ctx)
	if err != nil {
		return err
	}
	for _, k := range sup.Kinds {
		if k.Scheme == SchemeExact && k.Network == g.cfg.Network {
			g.log.Info().Str("network", g.cfg.Network).Msg("facilitator ready")
			return nil
		}
	}
	return fmt.Errorf("facilitator does not support scheme %q on network %q", SchemeExact, g.cfg.Network)
}
