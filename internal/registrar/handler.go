package registrar

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/renzo4web/link-sign-402/pkg/agreementid"
	"github.com/renzo4web/link-sign-402/pkg/httpx"
	"github.com/renzo4web/link-sign-402/pkg/ledger"
	"github.com/renzo4web/link-sign-402/pkg/x402"
)

const maxDocumentBytes = 10 << 20 // 10MB

// Handler exposes the registration workflow over HTTP.
type Handler struct {
	reg *Registrar
}

func NewHandler(reg *Registrar) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/create", h.handleCreate)
	r.Post("/api/sign", h.handleSign)
	r.Get("/api/agreement/{id}", h.handleGet)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBytes+maxDocumentBytes/2)
	var req struct {
		FileBase64     string `json:"fileBase64"`
		FileName       string `json:"fileName,omitempty"`
		CreatorAddress string `json:"creatorAddress"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	fileBytes, err := base64.StdEncoding.DecodeString(req.FileBase64)
	if err != nil {
		httpx.WriteError(w, 400, "VALIDATION", "fileBase64 is not valid base64", nil)
		return
	}

	out, err := h.reg.Create(r.Context(), CreateInput{
		FileBytes:      fileBytes,
		FileName:       req.FileName,
		CreatorAddress: req.CreatorAddress,
		PaymentHeader:  r.Header.Get(x402.PaymentHeader),
	})
	if err != nil {
		h.writeFailure(w, "/api/create", err)
		return
	}
	status := 201
	if out.AlreadyExisted {
		status = 200
	}
	writePaid(w, status, out.Receipt, map[string]any{
		"request_id":     httpx.NewRequestID(),
		"agreementId":    out.AgreementID,
		"docHash":        out.DocHash,
		"cid":            out.CID,
		"creator":        out.Creator,
		"paymentRef":     out.PaymentRef,
		"chainRef":       out.ChainRef,
		"txHash":         out.TxHash,
		"confirmed":      out.Confirmed,
		"link":           out.Link,
		"alreadyExisted": out.AlreadyExisted,
	})
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgreementID   string `json:"agreementId"`
		SignerAddress string `json:"signerAddress"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}

	out, err := h.reg.Sign(r.Context(), SignInput{
		AgreementID:   req.AgreementID,
		SignerAddress: req.SignerAddress,
		PaymentHeader: r.Header.Get(x402.PaymentHeader),
	})
	if err != nil {
		h.writeFailure(w, "/api/sign", err)
		return
	}
	writePaid(w, 201, out.Receipt, map[string]any{
		"request_id":  httpx.NewRequestID(),
		"agreementId": out.AgreementID,
		"signer":      out.Signer,
		"paymentRef":  out.PaymentRef,
		"chainRef":    out.ChainRef,
		"txHash":      out.TxHash,
		"confirmed":   out.Confirmed,
		"link":        out.Link,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, "/api/agreement", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"agreement":  view,
	})
}

// writePaid attaches the settle receipt header before the success body, so
// the client holds the proof-of-payment alongside the registration.
func writePaid(w http.ResponseWriter, status int, rcpt *x402.Receipt, body map[string]any) {
	if rcpt != nil && rcpt.Settle != nil {
		w.Header().Set(x402.PaymentResponseHeader, rcpt.Settle.EncodeHeader())
	}
	httpx.WriteJSON(w, status, body)
}

// writeFailure maps the workflow's error taxonomy onto the HTTP surface.
// A missing payment gets the full challenge body; everything else narrows
// to an httpx.Error first so the envelope stays uniform.
func (h *Handler) writeFailure(w http.ResponseWriter, resource string, err error) {
	if errors.Is(err, ErrPaymentRequired) {
		ch := h.reg.gate.Challenge(resource)
		httpx.WriteJSON(w, 402, map[string]any{
			"request_id":  httpx.NewRequestID(),
			"x402Version": ch.X402Version,
			"error":       ch.Error,
			"accepts":     ch.Accepts,
		})
		return
	}
	httpx.WriteErr(w, toHTTPError(err))
}

// toHTTPError narrows a workflow error to its wire shape. Every branch is a
// distinct client remediation.
func toHTTPError(err error) error {
	var (
		fieldErr   *agreementid.FieldError
		proofErr   *x402.ProofError
		verifyErr  *x402.VerifyError
		settleErr  *x402.SettleError
		receiptErr *x402.ReceiptError
		revertErr  *ledger.RevertError
		upstreamEr *UpstreamError
	)
	switch {
	case errors.As(err, &fieldErr):
		return &httpx.Error{Status: 400, Code: "VALIDATION", Message: fieldErr.Error(),
			Details: map[string]any{"field": fieldErr.Field}}
	case errors.As(err, &proofErr):
		return httpx.E(400, "INVALID_PAYMENT", proofErr.Error())
	case errors.As(err, &verifyErr):
		return &httpx.Error{Status: 402, Code: "PAYMENT_VERIFICATION_FAILED", Message: verifyErr.Error(),
			Details: map[string]any{"remediation": "re-sign the payment authorization and retry"}}
	case errors.As(err, &settleErr):
		return &httpx.Error{Status: 402, Code: "PAYMENT_SETTLEMENT_FAILED", Message: settleErr.Error(),
			Details: map[string]any{"remediation": "retry settlement with the same signed proof"}}
	case errors.As(err, &receiptErr):
		// Settlement already landed; a bad receipt is the facilitator's
		// fault and must never read as input validation.
		return httpx.E(502, "UPSTREAM", receiptErr.Error())
	case errors.Is(err, ErrNotFound):
		return httpx.E(404, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrAlreadySigned):
		return httpx.E(409, "ALREADY_SIGNED", err.Error())
	case errors.Is(err, ledger.ErrConfirmTimeout):
		return &httpx.Error{Status: 504, Code: "CONFIRM_TIMEOUT", Message: err.Error(),
			Details: map[string]any{"remediation": "the transaction may still confirm; poll the tx hash"}}
	case errors.As(err, &revertErr):
		return httpx.E(500, "LEDGER_REVERT", revertErr.Error())
	case errors.As(err, &upstreamEr):
		return httpx.E(502, "UPSTREAM", upstreamEr.Error())
	default:
		return err
	}
}
