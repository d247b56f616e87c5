package format

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencode-ai/antigravity-broker/internal/errors"
)

// thinkingOrderMarkers are the substrings the upstream's error text carries
// when a request was rejected for violating thinking-block ordering — the
// Response Transformer's own trigger for the transformer-level retry (§4.J),
// distinct from (but textually close to) the Recovery Hook's host-surfaced
// patterns (§4.K).
var thinkingOrderMarkers = []string{"thinking_block_order", "first block", "must start with", "preceeding", "expected", "found"}

func looksLikeThinkingOrderError(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "thinking_block_order") {
		return true
	}
	return strings.Contains(lower, "thinking") && strings.Contains(lower, "must start with")
}

// UpstreamErrorBody is the subset of the upstream's JSON error envelope the
// Response Transformer reads (§4.J non-streaming/error path).
type UpstreamErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type        string `json:"@type"`
			RetryDelay  string `json:"retryDelay"`
			RetryAfter  string `json:"retryAfter"`
		} `json:"details"`
	} `json:"error"`
}

// ResponseHeaders is the small set of outbound headers the Response
// Transformer computes, layered onto whatever the host's HTTP framework
// already sends.
type ResponseHeaders map[string]string

// HandleErrorResponse implements §4.J's non-streaming error path: parse the
// JSON error, annotate the message with a debug footer, echo any
// RetryInfo.retryDelay as Retry-After/retry-after-ms, and escalate to
// ThinkingRecoveryNeeded when the message matches the ordering class.
func HandleErrorResponse(body []byte, status int, modelName, projectID, endpoint string) (*errors.ApiError, ResponseHeaders, error) {
	var parsed UpstreamErrorBody
	message := string(body)
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	headers := ResponseHeaders{}
	for _, d := range parsed.Error.Details {
		delay := d.RetryDelay
		if delay == "" {
			delay = d.RetryAfter
		}
		if delay == "" {
			continue
		}
		seconds := strings.TrimSuffix(delay, "s")
		if f, err := strconv.ParseFloat(seconds, 64); err == nil {
			headers["Retry-After"] = strconv.Itoa(int(f))
			headers["retry-after-ms"] = strconv.FormatInt(int64(f*1000), 10)
		}
		break
	}

	if looksLikeThinkingOrderError(message) {
		return nil, nil, errors.NewThinkingRecoveryNeeded(fmt.Errorf("%s", message))
	}

	footer := fmt.Sprintf(" [model=%s project=%s endpoint=%s status=%d]", modelName, projectID, endpoint, status)
	annotated := message + footer

	return errors.NewApiError(annotated, status, parsed.Error.Status), headers, nil
}

// previewAccessMarkers are the substrings the upstream's 404 body carries
// when the requested model exists but the account lacks preview access.
var previewAccessMarkers = []string{"preview", "allowlist", "not available"}

// RewritePreviewAccessError substitutes a more actionable message when a 404
// indicates missing preview access rather than an unknown model (§4.J).
func RewritePreviewAccessError(message string, statusCode int) string {
	if statusCode != 404 {
		return message
	}
	lower := strings.ToLower(message)
	for _, marker := range previewAccessMarkers {
		if strings.Contains(lower, marker) {
			return "This model requires preview access that is not yet enabled for this account. " +
				"Request access or choose a different model. (original: " + message + ")"
		}
	}
	return message
}

// UsageMetadata mirrors the upstream's token-count block (§4.J).
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// UsageHeaders renders a UsageMetadata block as the response headers the
// host uses to meter cache usage (§4.J).
func UsageHeaders(u *UsageMetadata) ResponseHeaders {
	if u == nil {
		return nil
	}
	headers := ResponseHeaders{}
	if u.PromptTokenCount > 0 {
		headers["X-Usage-Prompt-Tokens"] = strconv.Itoa(u.PromptTokenCount)
	}
	if u.CandidatesTokenCount > 0 {
		headers["X-Usage-Candidates-Tokens"] = strconv.Itoa(u.CandidatesTokenCount)
	}
	if u.TotalTokenCount > 0 {
		headers["X-Usage-Total-Tokens"] = strconv.Itoa(u.TotalTokenCount)
	}
	if u.CachedContentTokenCount > 0 {
		headers["X-Usage-Cached-Content-Tokens"] = strconv.Itoa(u.CachedContentTokenCount)
	}
	return headers
}

// SuccessBody is the minimal shape the Response Transformer needs to read
// out of a non-streaming success body (§4.J).
type SuccessBody struct {
	Response *struct {
		Candidates    []json.RawMessage `json:"candidates"`
		UsageMetadata *UsageMetadata    `json:"usageMetadata"`
		Error         *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
	Candidates    []json.RawMessage `json:"candidates"`
	Choices       []json.RawMessage `json:"choices"`
	UsageMetadata *UsageMetadata    `json:"usageMetadata"`
}

// HandleSuccessResponse implements §4.J's OK path: unwrap a wrapped
// response.error preview-access 404, and extract usage headers. hasContent
// is false when the parsed body carries no candidates/choices at all,
// signaling the empty-response retry case (§4.J empty-response retry).
func HandleSuccessResponse(body []byte) (rewritten []byte, headers ResponseHeaders, hasContent bool, err error) {
	var parsed SuccessBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body, nil, false, err
	}

	usage := parsed.UsageMetadata
	candidates := parsed.Candidates
	if parsed.Response != nil {
		if parsed.Response.UsageMetadata != nil {
			usage = parsed.Response.UsageMetadata
		}
		candidates = parsed.Response.Candidates

		if parsed.Response.Error != nil && parsed.Response.Error.Code == 404 {
			rewrittenMsg := RewritePreviewAccessError(parsed.Response.Error.Message, 404)
			if rewrittenMsg != parsed.Response.Error.Message {
				var generic map[string]interface{}
				if err := json.Unmarshal(body, &generic); err == nil {
					if resp, ok := generic["response"].(map[string]interface{}); ok {
						if errObj, ok := resp["error"].(map[string]interface{}); ok {
							errObj["message"] = rewrittenMsg
						}
					}
					if patched, err := json.Marshal(generic); err == nil {
						body = patched
					}
				}
			}
		}
	}

	hasContent = len(candidates) > 0 || len(parsed.Choices) > 0
	return body, UsageHeaders(usage), hasContent, nil
}

// HTTPStatusRetryable reports whether an upstream status should be treated
// as a candidate for a 429/5xx rate-limit retry cycle (§4.J).
func HTTPStatusRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
