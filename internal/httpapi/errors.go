package httpapi

import (
	"net/http"

	"github.com/kmassidik/walletd/internal/walleterr"
)

// statusFor maps a classified error's Kind to the HTTP status code the
// spec assigns it. Errors that were retried by internal/common/retry and
// still failed surface here as their already-exhausted Kind (Concurrency
// or Transient), which is what decides the final code.
func statusFor(kind walleterr.Kind) int {
	switch kind {
	case walleterr.KindValidation:
		return http.StatusBadRequest
	case walleterr.KindBusiness:
		return http.StatusUnprocessableEntity
	case walleterr.KindConcurrency:
		return http.StatusConflict
	case walleterr.KindTransient:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func errorTypeFor(kind walleterr.Kind) string {
	switch kind {
	case walleterr.KindValidation:
		return "validation_error"
	case walleterr.KindBusiness:
		return "business_rule_violation"
	case walleterr.KindConcurrency:
		return "concurrency_conflict"
	case walleterr.KindTransient:
		return "transient_error"
	default:
		return "internal_error"
	}
}
