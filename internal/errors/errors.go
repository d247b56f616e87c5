// Package errors provides the proxy's error taxonomy (§7): a base
// AntigravityError carrying a stable code and retryability flag, plus
// one concrete type per taxonomy member and a New*/Is* pair for each.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AntigravityError is the base type every taxonomy member embeds.
type AntigravityError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *AntigravityError) Error() string { return e.Message }

func (e *AntigravityError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"name":      "AntigravityError",
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

func (e *AntigravityError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

func NewAntigravityError(message, code string, retryable bool, metadata map[string]interface{}) *AntigravityError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &AntigravityError{Message: message, Code: code, Retryable: retryable, Metadata: metadata}
}

// RateLimitError — §7 RateLimited(family, headerStyle, retryAfterMs).
type RateLimitError struct {
	*AntigravityError
	ResetMs      *int64 `json:"resetMs,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

func NewRateLimitError(message string, resetMs *int64, accountEmail string) *RateLimitError {
	metadata := map[string]interface{}{}
	if resetMs != nil {
		metadata["resetMs"] = *resetMs
	}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		AntigravityError: &AntigravityError{Message: message, Code: "RATE_LIMITED", Retryable: true, Metadata: metadata},
		ResetMs:          resetMs,
		AccountEmail:     accountEmail,
	}
}

// AuthError — §7 CredentialExpired, terminal case (invalid_grant).
type AuthError struct {
	*AntigravityError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func NewAuthError(message, accountEmail, reason string) *AuthError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return &AuthError{
		AntigravityError: &AntigravityError{Message: message, Code: "AUTH_INVALID", Retryable: false, Metadata: metadata},
		AccountEmail:     accountEmail,
		Reason:           reason,
	}
}

// NoAccountsError — surfaced when the Account Manager has nothing to offer.
type NoAccountsError struct {
	*AntigravityError
	AllRateLimited bool `json:"allRateLimited"`
}

func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		AntigravityError: &AntigravityError{
			Message: message, Code: "NO_ACCOUNTS", Retryable: allRateLimited,
			Metadata: map[string]interface{}{"allRateLimited": allRateLimited},
		},
		AllRateLimited: allRateLimited,
	}
}

// ApiError — UpstreamTransient, a non-OK upstream response passed to the host.
type ApiError struct {
	*AntigravityError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

func NewApiError(message string, statusCode int, errorType string) *ApiError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &ApiError{
		AntigravityError: &AntigravityError{
			Message: message, Code: strings.ToUpper(errorType), Retryable: statusCode >= 500,
			Metadata: map[string]interface{}{"statusCode": statusCode, "errorType": errorType},
		},
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// EmptyResponseError — §7 EmptyResponse, raised after the retry cap.
type EmptyResponseError struct {
	*AntigravityError
}

func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from upstream"
	}
	return &EmptyResponseError{
		AntigravityError: &AntigravityError{Message: message, Code: "EMPTY_RESPONSE", Retryable: true, Metadata: map[string]interface{}{}},
	}
}

// CapacityExhaustedError — model-capacity 5xx/429, distinct from user quota.
type CapacityExhaustedError struct {
	*AntigravityError
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

func NewCapacityExhaustedError(message string, retryAfterMs *int64) *CapacityExhaustedError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	metadata := map[string]interface{}{}
	if retryAfterMs != nil {
		metadata["retryAfterMs"] = *retryAfterMs
	}
	return &CapacityExhaustedError{
		AntigravityError: &AntigravityError{Message: message, Code: "CAPACITY_EXHAUSTED", Retryable: true, Metadata: metadata},
		RetryAfterMs:      retryAfterMs,
	}
}

// ThinkingRecoveryNeeded — §7 internal sentinel, never serialized to the
// host. Carries the original upstream error so the dispatcher can retry
// exactly once with forceThinkingRecovery (§4.L step 8).
type ThinkingRecoveryNeeded struct {
	*AntigravityError
	Original error `json:"-"`
}

func NewThinkingRecoveryNeeded(original error) *ThinkingRecoveryNeeded {
	msg := "thinking block order recovery needed"
	if original != nil {
		msg = original.Error()
	}
	return &ThinkingRecoveryNeeded{
		AntigravityError: &AntigravityError{Message: msg, Code: "THINKING_RECOVERY_NEEDED", Retryable: true, Metadata: map[string]interface{}{}},
		Original:         original,
	}
}

// ConversationCorruption — §7, detected by the Recovery Hook from a
// host-surfaced session error.
type ConversationCorruption struct {
	*AntigravityError
	Pattern string `json:"pattern,omitempty"`
}

func NewConversationCorruption(message, pattern string) *ConversationCorruption {
	return &ConversationCorruption{
		AntigravityError: &AntigravityError{
			Message: message, Code: "CONVERSATION_CORRUPTION", Retryable: true,
			Metadata: map[string]interface{}{"pattern": pattern},
		},
		Pattern: pattern,
	}
}

// ConfigurationMissingError — §7, e.g. no refresh token configured.
type ConfigurationMissingError struct {
	*AntigravityError
}

func NewConfigurationMissingError(message string) *ConfigurationMissingError {
	return &ConfigurationMissingError{
		AntigravityError: &AntigravityError{Message: message, Code: "CONFIGURATION_MISSING", Retryable: false, Metadata: map[string]interface{}{}},
	}
}

// Checker functions.

func IsRateLimitError(err error) bool {
	_, ok := err.(*RateLimitError)
	return ok
}

func IsAuthError(err error) bool {
	_, ok := err.(*AuthError)
	return ok
}

func IsEmptyResponseError(err error) bool {
	if _, ok := err.(*EmptyResponseError); ok {
		return true
	}
	if ag, ok := err.(*AntigravityError); ok {
		return ag.Code == "EMPTY_RESPONSE"
	}
	return false
}

func IsCapacityExhaustedError(err error) bool {
	_, ok := err.(*CapacityExhaustedError)
	return ok
}

func IsThinkingRecoveryNeeded(err error) bool {
	_, ok := err.(*ThinkingRecoveryNeeded)
	return ok
}

func IsInvalidGrant(errorText string) bool {
	lower := strings.ToLower(errorText)
	return strings.Contains(lower, "invalid_grant")
}

// FormatAPIError renders any taxonomy member (or a plain error) as the JSON
// body returned to the host.
func FormatAPIError(err error) map[string]interface{} {
	switch e := err.(type) {
	case *RateLimitError:
		return e.ToJSON()
	case *AuthError:
		return e.ToJSON()
	case *NoAccountsError:
		return e.ToJSON()
	case *ApiError:
		return e.ToJSON()
	case *EmptyResponseError:
		return e.ToJSON()
	case *CapacityExhaustedError:
		return e.ToJSON()
	case *ConversationCorruption:
		return e.ToJSON()
	case *ConfigurationMissingError:
		return e.ToJSON()
	case *AntigravityError:
		return e.ToJSON()
	default:
		return map[string]interface{}{
			"type": "error",
			"error": map[string]interface{}{
				"type":    "internal_error",
				"message": err.Error(),
			},
		}
	}
}

// HTTPStatusFromError maps a taxonomy member onto the HTTP status the host
// should see (§7 propagation policy: never swallow, always surface).
func HTTPStatusFromError(err error) int {
	switch e := err.(type) {
	case *RateLimitError:
		return 429
	case *AuthError:
		return 401
	case *NoAccountsError:
		if e.AllRateLimited {
			return 429
		}
		return 503
	case *ApiError:
		return e.StatusCode
	case *EmptyResponseError:
		return 502
	case *CapacityExhaustedError:
		return 503
	case *ConfigurationMissingError:
		return 412
	default:
		return 500
	}
}

// ErrorWithContext adds a contextual prefix to an error.
func ErrorWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
