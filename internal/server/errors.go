package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/smallbiznis/meterledger/internal/authorization"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	consumptiondomain "github.com/smallbiznis/meterledger/internal/consumption/domain"
	reportingdomain "github.com/smallbiznis/meterledger/internal/reporting/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// insufficientFundsResponse is the 402 body. It is flat so clients can read
// error_kind without unwrapping.
type insufficientFundsResponse struct {
	ErrorKind        string                     `json:"error_kind"`
	Message          string                     `json:"message"`
	RequestedSeconds int64                      `json:"requested_seconds"`
	BalanceSeconds   int64                      `json:"balance_seconds"`
	ShortfallSeconds int64                      `json:"shortfall_seconds"`
	Breakdown        balancedomain.Breakdown    `json:"breakdown"`
	Suggestions      []catalogdomain.Suggestion `json:"suggestions"`
}

// insufficientFunds carries suggestions alongside the ledger error.
type insufficientFunds struct {
	err         *balancedomain.InsufficientBalanceError
	suggestions []catalogdomain.Suggestion
}

func (e *insufficientFunds) Error() string { return e.err.Error() }
func (e *insufficientFunds) Unwrap() error { return e.err }

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		var funds *insufficientFunds
		if errors.As(lastErr.Err, &funds) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, insufficientFundsPayload(funds))
			return
		}
		var insufficient *balancedomain.InsufficientBalanceError
		if errors.As(lastErr.Err, &insufficient) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, insufficientFundsPayload(&insufficientFunds{err: insufficient}))
			return
		}

		if balancedomain.IsRetryable(lastErr.Err) {
			c.Header("Retry-After", "1")
		}
		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func insufficientFundsPayload(f *insufficientFunds) insufficientFundsResponse {
	suggestions := f.suggestions
	if suggestions == nil {
		suggestions = []catalogdomain.Suggestion{}
	}
	return insufficientFundsResponse{
		ErrorKind:        "insufficient_balance",
		Message:          "not enough compute seconds",
		RequestedSeconds: f.err.Requested,
		BalanceSeconds:   f.err.Available,
		ShortfallSeconds: f.err.Shortfall(),
		Breakdown:        f.err.Breakdown,
		Suggestions:      suggestions,
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, apikeydomain.ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrMalformedKey):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, balancedomain.ErrLockTimeout):
		return http.StatusConflict, errorPayload{
			Type:    "lock_timeout",
			Message: "account is busy, retry shortly",
		}
	case errors.Is(err, balancedomain.ErrConcurrentModification):
		return http.StatusConflict, errorPayload{
			Type:    "concurrent_modification",
			Message: "account changed concurrently, retry",
		}
	case errors.Is(err, consumptiondomain.ErrReservationClosed):
		return http.StatusConflict, errorPayload{
			Type:    "reservation_closed",
			Message: "reservation is already settled",
		}
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    notFoundType(err),
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, balancedomain.ErrIntegrityViolation):
		return http.StatusInternalServerError, errorPayload{
			Type:    "integrity_violation",
			Message: "please try again",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, balancedomain.ErrInvalidAccount),
		errors.Is(err, balancedomain.ErrInvalidSeconds),
		errors.Is(err, balancedomain.ErrInvalidGrantType),
		errors.Is(err, balancedomain.ErrInvalidExternalEvent),
		errors.Is(err, balancedomain.ErrInvalidExpiry),
		errors.Is(err, consumptiondomain.ErrInvalidOperationType),
		errors.Is(err, consumptiondomain.ErrInvalidOperationID),
		errors.Is(err, consumptiondomain.ErrInvalidReservation),
		errors.Is(err, reportingdomain.ErrInvalidPeriod),
		errors.Is(err, reportingdomain.ErrInvalidPageToken),
		errors.Is(err, catalogdomain.ErrPlanNotFound),
		errors.Is(err, catalogdomain.ErrPackageNotFound),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidRole),
		errors.Is(err, apikeydomain.ErrInvalidKeyID):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, balancedomain.ErrAccountNotFound),
		errors.Is(err, consumptiondomain.ErrReservationNotFound),
		errors.Is(err, apikeydomain.ErrNotFound):
		return true
	default:
		return false
	}
}

func notFoundType(err error) string {
	switch {
	case errors.Is(err, balancedomain.ErrAccountNotFound):
		return balancedomain.ErrAccountNotFound.Error()
	case errors.Is(err, consumptiondomain.ErrReservationNotFound):
		return consumptiondomain.ErrReservationNotFound.Error()
	default:
		return "not_found"
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, reportingdomain.ErrInvalidPageToken):
		return "invalid_page_token"
	case errors.Is(err, catalogdomain.ErrPlanNotFound):
		return "invalid_plan_key"
	case errors.Is(err, catalogdomain.ErrPackageNotFound):
		return "invalid_package_key"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog returns the error type and code for request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if errors.Is(err, balancedomain.ErrInsufficientBalance) {
		return "insufficient_balance", "insufficient_balance"
	}
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	case status == http.StatusBadRequest:
		code := payload.Type
		if len(payload.Errors) > 0 {
			code = payload.Errors[0].Code
		}
		return "validation", code
	default:
		return "client", payload.Type
	}
}
