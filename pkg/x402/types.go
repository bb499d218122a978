// Package x402 implements the resource-server side of the x402 payment
// handshake: challenge construction, payment-header decoding, and the
// verify/settle exchange with an external facilitator.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	Version = 1

	// SchemeExact is the only scheme this service accepts: an EIP-3009
	// transferWithAuthorization for an exact amount.
	SchemeExact = "exact"

	// PaymentHeader carries the client's signed payment proof.
	PaymentHeader = "X-Payment"
	// PaymentResponseHeader carries the settle receipt back to the client.
	PaymentResponseHeader = "X-Payment-Response"
)

// Requirements describes one acceptable way to pay for a resource. The same
// structure is sent in the 402 challenge and to the facilitator, byte for
// byte; the facilitator is the authority on whether a proof matches it.
type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Challenge is the 402 response body.
type Challenge struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Accepts     []Requirements `json:"accepts"`
}

// Authorization is the EIP-3009 transfer authorization inside an exact-scheme
// payload. Value is in the asset's atomic unit, as a decimal string.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Payload is the decoded X-Payment header.
type Payload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// DecodePayment parses a raw X-Payment header value. Malformed proofs fail
// here, before any facilitator round trip.
func DecodePayment(header string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, &ProofError{Reason: "payment header is not valid base64"}
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ProofError{Reason: "payment header is not valid JSON"}
	}
	if p.X402Version != Version {
		return nil, &ProofError{Reason: fmt.Sprintf("unsupported x402 version %d", p.X402Version)}
	}
	if p.Scheme != SchemeExact {
		return nil, &ProofError{Reason: fmt.Sprintf("unsupported scheme %q", p.Scheme)}
	}
	if p.Payload.Signature == "" || p.Payload.Authorization.From == "" {
		return nil, &ProofError{Reason: "payment payload is missing signature or authorization"}
	}
	return &p, nil
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle. Transaction is the
// settlement transaction hash when the facilitator broadcast one.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// EncodeHeader renders the settle receipt for the X-Payment-Response header.
func (s *SettleResponse) EncodeHeader() string {
	b, _ := json.Marshal(s)
	return base64.StdEncoding.EncodeToString(b)
}

// Kind is one (scheme, network) pair a facilitator supports.
type Kind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

type SupportedResponse struct {
	Kinds []Kind `json:"kinds"`
}

// ProofError: the payment proof itself is malformed. Client fix: send a
// well-formed header. Never triggers a facilitator call.
type ProofError struct {
	Reason string
}

func (e *ProofError) Error() string { return "invalid payment proof: " + e.Reason }

// VerifyError: the facilitator rejected the proof. Client fix: re-sign.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return "payment verification failed: " + e.Reason }

// SettleError: verification succeeded but settlement failed. Client fix:
// retry settlement with the same proof; the facilitator settles each proof
// at most once.
type SettleError struct {
	Reason string
}

func (e *SettleError) Error() string { return "payment settlement failed: " + e.Reason }

// ReceiptError: settlement succeeded but the response could not be turned
// into a payment reference. The charge has already landed, so this is a
// facilitator fault, not a client one.
type ReceiptError struct {
	Detail string
}

func (e *ReceiptError) Error() string { return "unrecognized settle response shape: " + e.Detail }
