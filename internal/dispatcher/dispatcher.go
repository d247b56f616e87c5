// Package dispatcher implements the Request Dispatcher (§4.L): the
// top-level fetch-interceptor that composes the Account Manager, Token
// Refresher, Project Resolver, Request Transformer, and Response
// Transformer into the single call the host's outbound model request goes
// through.
package dispatcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/account"
	"github.com/opencode-ai/antigravity-broker/internal/auth"
	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/errors"
	"github.com/opencode-ai/antigravity-broker/internal/format"
	"github.com/opencode-ai/antigravity-broker/internal/model"
	"github.com/opencode-ai/antigravity-broker/internal/server/sse"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// Dispatcher wires the request-path components together (§4.L, §5: the
// Account Manager, Signature Cache, and Project Resolver are the three
// shared mutable resources; everything else here is per-call state).
type Dispatcher struct {
	Accounts  *account.Manager
	Projects  *auth.ProjectResolver
	Cache     *signature.Cache
	HTTP      *http.Client
	Debug     bool

	// Endpoints overrides config.GenerationEndpoints, defaulted in New.
	// Tests point this at an httptest.Server instead of the real upstream.
	Endpoints []string
}

// New builds a Dispatcher from its three shared resources.
func New(accounts *account.Manager, projects *auth.ProjectResolver, cache *signature.Cache, debug bool) *Dispatcher {
	return &Dispatcher{
		Accounts:  accounts,
		Projects:  projects,
		Cache:     cache,
		HTTP:      &http.Client{Timeout: 10 * time.Minute},
		Debug:     debug,
		Endpoints: config.GenerationEndpoints,
	}
}

// Handle implements §4.L end to end for one intercepted request: it reads
// the body, resolves the model family, and drives the account/endpoint
// retry loop, writing the final status/headers/body (or SSE stream)
// straight to w.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request, pluginSessionUUID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errors.NewApiError("failed to read request body", http.StatusBadRequest, "invalid_request"))
		return
	}

	modelName, action, ok := format.ParseModelAction(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, errors.NewApiError("unrecognized model endpoint: "+r.URL.Path, http.StatusNotFound, "not_found"))
		return
	}

	family := model.FamilyOf(modelName)
	resolved := model.Resolve(modelName)
	streaming := action == "streamGenerateContent"

	status, headers, respBody, stream, sessionKey, err := d.dispatch(r.Context(), dispatchRequest{
		rawURL:            r.URL.Path,
		body:              body,
		family:            family,
		resolved:          resolved,
		pluginSessionUUID: pluginSessionUUID,
		streaming:         streaming,
	})

	if err != nil {
		status, respBody = errorToResponse(err)
		headers = nil
	}

	for k, v := range headers {
		w.Header().Set(k, v)
	}

	if stream != nil {
		defer stream.Close()
		sw, swErr := sse.NewWriter(w)
		if swErr != nil {
			writeJSONError(w, http.StatusInternalServerError, errors.NewApiError("streaming not supported by this response writer", http.StatusInternalServerError, "api_error"))
			return
		}
		sw.SetHeaders()
		w.WriteHeader(status)

		debugBlob := []byte(nil)
		if d.Debug {
			debugBlob = format.DebugBlob(resolved.ActualModel, "", r.URL.Path)
		}
		if err := format.TransformSSEStream(format.StreamTransformInput{
			Reader:     stream,
			Writer:     w,
			Cache:      d.Cache,
			SessionKey: sessionKey,
			DebugBlob:  debugBlob,
		}); err != nil {
			utils.Warn("[Dispatcher] stream transform ended early: %v", err)
		}
		sw.Flush()
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

type dispatchRequest struct {
	rawURL            string
	body              []byte
	family            model.Family
	resolved          model.Resolved
	pluginSessionUUID string
	streaming         bool
}

// dispatch runs §4.L steps 1-9. On success with a streaming action it
// returns an open, not-yet-closed body reader (stream) for the caller to
// pump through the Response Transformer; on a non-streaming success it
// returns the already-transformed body.
func (d *Dispatcher) dispatch(ctx context.Context, req dispatchRequest) (status int, headers format.ResponseHeaders, body []byte, stream io.ReadCloser, sessionKey string, err error) {
	var lastErr error
	forceThinkingRecovery := false
	thinkingRecoveryUsed := false

	for attempt := 0; attempt < config.DispatcherMaxAccountAttempts; attempt++ {
		acc := d.Accounts.GetCurrentOrNext(req.family)
		if acc == nil {
			wait := d.Accounts.GetMinWaitTimeForFamily(req.family)
			if wait <= 0 || wait > config.DispatcherMaxWaitBeforeErrorMs*time.Millisecond {
				noAccounts := errors.NewNoAccountsError("", wait > 0)
				retryHeaders := format.ResponseHeaders{}
				if wait > 0 {
					retryHeaders["Retry-After"] = strconv.FormatInt(int64(wait/time.Second), 10)
					retryHeaders["retry-after-ms"] = strconv.FormatInt(wait.Milliseconds(), 10)
				}
				return http.StatusTooManyRequests, retryHeaders, []byte(noAccounts.Error()), nil, "", nil
			}
			time.Sleep(wait)
			attempt--
			continue
		}

		if auth.IsExpired(acc.ExpiresAt) {
			result, refreshErr := auth.RefreshAccessToken(ctx, acc.RefreshToken)
			if refreshErr == auth.ErrInvalidGrant {
				utils.Warn("[Dispatcher] account %s has a dead refresh token, removing", acc.Email)
				d.Accounts.Remove(acc)
				continue
			}
			if refreshErr != nil {
				lastErr = refreshErr
				continue
			}
			d.Accounts.UpdateTokens(acc, result.AccessToken, result.ExpiresAt)
		}

		style, ok := d.Accounts.GetAvailableHeaderStyle(acc, req.family)
		if !ok {
			continue
		}

		projectID, projErr := d.Projects.Resolve(ctx, acc.RefreshToken, acc.AccessToken, acc.ManagedProjectID, acc.UserProjectID, "")
		if projErr != nil {
			lastErr = projErr
			continue
		}
		if acc.ManagedProjectID == "" && projectID != "" {
			d.Accounts.UpdateManagedProjectID(acc, projectID)
		}

		capacityRetries := 0

	endpoints:
		for _, endpoint := range d.Endpoints {
			prepared, transformErr := format.Transform(format.TransformInput{
				RawURL:                req.rawURL,
				Body:                  req.body,
				Endpoint:              endpoint,
				Family:                req.family,
				Resolved:              req.resolved,
				ProjectID:             projectID,
				AccessToken:           acc.AccessToken,
				HeaderStyle:           style,
				PluginSessionUUID:     req.pluginSessionUUID,
				Cache:                 d.Cache,
				ForceThinkingRecovery: forceThinkingRecovery,
				Debug:                 d.Debug,
			})
			if transformErr != nil {
				return 0, nil, nil, nil, "", transformErr
			}

			if prepared.NeedsSignedThinkingWarmup {
				d.sendWarmup(ctx, format.TransformInput{
					RawURL: req.rawURL, Body: req.body, Endpoint: endpoint, Family: req.family,
					Resolved: req.resolved, ProjectID: projectID, AccessToken: acc.AccessToken,
					HeaderStyle: style, PluginSessionUUID: req.pluginSessionUUID, Cache: d.Cache,
				})
			}

			httpResp, sendErr := d.send(ctx, prepared)
			if sendErr != nil {
				utils.Warn("[Dispatcher] network error at %s: %v", endpoint, sendErr)
				lastErr = sendErr
				continue endpoints
			}

			if httpResp.StatusCode == http.StatusOK {
				format.ClearRateLimitDedup(acc.Email, req.resolved.ActualModel)

				if req.streaming {
					return http.StatusOK, nil, nil, httpResp.Body, prepared.SessionKey, nil
				}

				respBody, readErr := io.ReadAll(httpResp.Body)
				httpResp.Body.Close()
				if readErr != nil {
					return 0, nil, nil, nil, "", readErr
				}
				rewritten, respHeaders, hasContent, handleErr := format.HandleSuccessResponse(respBody)
				if handleErr != nil {
					return 0, nil, nil, nil, "", handleErr
				}
				if !hasContent {
					utils.Warn("[Dispatcher] empty content from %s, treating as retryable", endpoint)
					lastErr = errors.NewEmptyResponseError("")
					continue endpoints
				}
				return http.StatusOK, respHeaders, rewritten, nil, "", nil
			}

			errBody, _ := io.ReadAll(httpResp.Body)
			httpResp.Body.Close()
			errorText := string(errBody)

			if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode == 503 || httpResp.StatusCode == 529 {
				reason := format.ParseRateLimitReason(errorText, httpResp.StatusCode)
				resetMs := format.ParseResetTime(httpResp.Header, errorText)

				if reason == format.RateLimitReasonModelCapacityExhausted && capacityRetries < config.DispatcherMaxCapacityRetries {
					tier := capacityRetries
					if tier >= len(config.CapacityBackoffTiersMs) {
						tier = len(config.CapacityBackoffTiersMs) - 1
					}
					wait := resetMs
					if wait <= 0 {
						wait = config.CapacityBackoffTiersMs[tier]
					}
					capacityRetries++
					utils.Info("[Dispatcher] model capacity exhausted, retry %d/%d after %s", capacityRetries, config.DispatcherMaxCapacityRetries, utils.FormatDuration(wait))
					time.Sleep(time.Duration(wait) * time.Millisecond)
					continue endpoints
				}

				backoff := format.GetRateLimitBackoff(acc.Email, req.resolved.ActualModel, resetMs)
				smart := format.CalculateSmartBackoff(errorText, resetMs, backoff.Attempt-1)
				d.Accounts.MarkRateLimited(acc, smart, req.family, style)

				if resetMs > 0 && resetMs < 1000 {
					time.Sleep(time.Duration(resetMs) * time.Millisecond)
					continue endpoints
				}

				utils.Info("[Dispatcher] account %s rate-limited (%s), switching account after %s", acc.Email, reason, utils.FormatDuration(config.DispatcherSwitchAccountDelayMs))
				time.Sleep(config.DispatcherSwitchAccountDelayMs * time.Millisecond)
				lastErr = errors.NewRateLimitError(errorText, &resetMs, acc.Email)
				break endpoints
			}

			apiErr, respHeaders, classifyErr := format.HandleErrorResponse(errBody, httpResp.StatusCode, req.resolved.ActualModel, projectID, endpoint)
			if classifyErr != nil {
				if _, ok := classifyErr.(*errors.ThinkingRecoveryNeeded); ok && !thinkingRecoveryUsed {
					thinkingRecoveryUsed = true
					forceThinkingRecovery = true
					continue endpoints
				}
				return 0, nil, nil, nil, "", classifyErr
			}
			return apiErr.StatusCode, respHeaders, []byte(apiErr.Error()), nil, "", nil
		}

		if lastErr != nil {
			utils.Warn("[Dispatcher] account %s exhausted all endpoints: %v", acc.Email, lastErr)
		}
	}

	if lastErr != nil {
		return 0, nil, nil, nil, "", lastErr
	}
	return 0, nil, nil, nil, "", errors.NewNoAccountsError("", false)
}

func (d *Dispatcher) sendWarmup(ctx context.Context, in format.TransformInput) {
	prepared, err := format.WarmupRequest(in)
	if err != nil {
		utils.Warn("[Dispatcher] failed to build thinking warmup request: %v", err)
		return
	}
	resp, err := d.send(ctx, prepared)
	if err != nil {
		utils.Warn("[Dispatcher] thinking warmup request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		utils.Warn("[Dispatcher] thinking warmup returned %d", resp.StatusCode)
		return
	}
	if err := format.TransformSSEStream(format.StreamTransformInput{
		Reader:     resp.Body,
		Writer:     io.Discard,
		Cache:      d.Cache,
		SessionKey: prepared.SessionKey,
	}); err != nil {
		utils.Warn("[Dispatcher] thinking warmup stream parse failed: %v", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, prepared *format.PreparedRequest) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, prepared.URL, bytes.NewReader(prepared.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range prepared.Headers {
		httpReq.Header.Set(k, v)
	}
	return d.HTTP.Do(httpReq)
}

func errorToResponse(err error) (int, []byte) {
	switch e := err.(type) {
	case *errors.ApiError:
		return e.StatusCode, []byte(e.Error())
	case *errors.RateLimitError:
		status := http.StatusTooManyRequests
		body := []byte(e.Error())
		return status, body
	case *errors.NoAccountsError:
		return http.StatusTooManyRequests, []byte(e.Error())
	case *errors.AuthError:
		return http.StatusUnauthorized, []byte(e.Error())
	case *errors.EmptyResponseError:
		return http.StatusServiceUnavailable, []byte(e.Error())
	default:
		return http.StatusInternalServerError, []byte(err.Error())
	}
}

func writeJSONError(w http.ResponseWriter, status int, apiErr *errors.ApiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":"` + escapeJSON(apiErr.Message) + `","code":` + strconv.Itoa(status) + `}}`))
}

func escapeJSON(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}
