package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/domain/ratelimit"
	"github.com/rs/zerolog"
)

// Error codes written in the envelope.
const (
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = ratelimit.ReasonLimitExceeded
	CodeQuotaExceeded    = "quota_exceeded"
	CodeInvalidSignature = "invalid_signature"
	CodeInvalidPayload   = "invalid_payload"
	CodeInvalidTier      = "invalid_tier"
	CodeInvalidRequest   = "invalid_request"
	CodeStorage          = "storage_unavailable"
	CodeUpstream         = "upstream_error"
	CodeConfiguration    = "configuration_error"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
	CodeMethodNotAllowed = "method_not_allowed"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error      ErrorDetail  `json:"error"`
	RetryAfter int          `json:"retryAfter,omitempty"`
	UsageCount *int64       `json:"usageCount,omitempty"`
	Limit      *quota.Limit `json:"limit,omitempty"`
	Tier       string       `json:"tier,omitempty"`
}

// ErrorDetail carries a stable code and a human readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusOf maps an error from the app layer to an HTTP status and code.
func StatusOf(err error) (int, string) {
	var (
		cfgErr     *app.ConfigurationError
		rateErr    *app.RateLimitError
		quotaErr   *app.QuotaExceededError
		payloadErr *app.PayloadInvalidError
		storageErr *app.StorageError
		upErr      *app.UpstreamError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, CodeConfiguration
	case errors.Is(err, app.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.As(err, &quotaErr):
		return http.StatusForbidden, CodeQuotaExceeded
	case errors.Is(err, app.ErrSignatureInvalid):
		return http.StatusBadRequest, CodeInvalidSignature
	case errors.As(err, &payloadErr):
		return http.StatusBadRequest, CodeInvalidPayload
	case errors.Is(err, app.ErrTierNotPurchasable):
		return http.StatusBadRequest, CodeInvalidTier
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError, CodeStorage
	case errors.As(err, &upErr):
		return http.StatusBadGateway, CodeUpstream
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeError writes err as an envelope. Messages for server-side failures
// are generic; the cause is logged instead.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, code := StatusOf(err)
	body := ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error()}}

	var (
		rateErr  *app.RateLimitError
		quotaErr *app.QuotaExceededError
	)
	switch {
	case errors.As(err, &rateErr):
		body.RetryAfter = rateErr.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfter))
	case errors.As(err, &quotaErr):
		count, limit := quotaErr.Count, quotaErr.Limit
		body.UsageCount = &count
		body.Limit = &limit
		body.Tier = quotaErr.Tier
		body.Error.Message = "monthly quota reached, upgrade your tier for more requests"
	}

	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Msg("request failed")
		switch code {
		case CodeStorage:
			body.Error.Message = "usage storage is unavailable"
		case CodeUpstream:
			body.Error.Message = "an upstream provider request failed"
		default:
			body.Error.Message = "internal server error"
		}
	}

	writeJSON(w, status, body)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
