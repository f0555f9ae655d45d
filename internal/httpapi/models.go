// Package httpapi is the HTTP shell: request/response mapping, routing,
// and the error-kind-to-status-code translation in front of the Wallet
// Engine and Transfer Saga Engine.
package httpapi

// AmountRequest is the body of deposit and withdraw requests. The
// idempotency key travels in the X-Request-ID header, not the body.
type AmountRequest struct {
	Amount string `json:"amount"`
}

// DailyLimitRequest sets (Limit non-nil) or removes (Limit nil) a
// wallet's daily withdrawal cap.
type DailyLimitRequest struct {
	Limit *string `json:"limit"`
}

// TransferRequest is the body of a transfer request; the source wallet
// comes from the path, not the body.
type TransferRequest struct {
	ToWalletID string `json:"toWalletId"`
	Amount     string `json:"amount"`
}

// ErrorEnvelope is the uniform error shape returned for any non-2xx
// response.
type ErrorEnvelope struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
}
