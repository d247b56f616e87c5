package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// ProjectResolver discovers or onboards the upstream-managed cloud project
// id for an account's refresh token (§4.F), deduplicating concurrent
// resolutions for the same token.
type ProjectResolver struct {
	httpClient *http.Client

	mu      sync.Mutex
	pending map[string]chan resolveResult
}

type resolveResult struct {
	projectID string
	err       error
}

// NewProjectResolver builds a resolver using http.DefaultClient's timeout
// policy (none) — the dispatcher's request-level context handles timeouts.
func NewProjectResolver() *ProjectResolver {
	return &ProjectResolver{
		httpClient: http.DefaultClient,
		pending:    make(map[string]chan resolveResult),
	}
}

// Resolve runs the §4.F resolution order for one refresh token:
//  1. managedProjectID already on record → use it
//  2. loadCodeAssist against each endpoint tier, in order
//  3. userProjectID if supplied
//  4. the hard-coded fallback project id
//
// Concurrent calls for the same refreshToken share one in-flight
// resolution via a pending-promise guard.
func (r *ProjectResolver) Resolve(ctx context.Context, refreshToken, accessToken, managedProjectID, userProjectID string, duetProject string) (string, error) {
	if managedProjectID != "" {
		return managedProjectID, nil
	}

	r.mu.Lock()
	if ch, ok := r.pending[refreshToken]; ok {
		r.mu.Unlock()
		select {
		case res := <-ch:
			return res.projectID, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ch := make(chan resolveResult, 1)
	// Buffer of 1 plus a second, non-blocking broadcast channel so every
	// waiter (not just the first receiver) observes the result.
	done := make(chan resolveResult)
	r.pending[refreshToken] = ch
	r.mu.Unlock()

	go func() {
		res := <-done
		r.mu.Lock()
		delete(r.pending, refreshToken)
		r.mu.Unlock()
		ch <- res
	}()

	projectID, err := r.discover(ctx, accessToken, userProjectID, duetProject)
	done <- resolveResult{projectID: projectID, err: err}
	return projectID, err
}

func (r *ProjectResolver) discover(ctx context.Context, accessToken, userProjectID, duetProject string) (string, error) {
	var lastLoadCodeAssist map[string]interface{}

	for _, endpoint := range config.LoadCodeAssistEndpoints {
		data, err := r.tryLoadCodeAssist(ctx, endpoint, accessToken, duetProject)
		if err != nil {
			utils.Warn("[ProjectResolver] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		if projectID := extractProjectID(data); projectID != "" {
			return projectID, nil
		}
		lastLoadCodeAssist = data
	}

	if lastLoadCodeAssist != nil {
		tierID := defaultTierID(lastLoadCodeAssist)
		if tierID == "" {
			tierID = "free-tier"
		}
		if projectID, err := r.onboard(ctx, accessToken, tierID, duetProject, 10, 5*time.Second); err == nil && projectID != "" {
			return projectID, nil
		}
	}

	if userProjectID != "" {
		return userProjectID, nil
	}
	return config.DefaultProjectID, nil
}

func (r *ProjectResolver) tryLoadCodeAssist(ctx context.Context, endpoint, accessToken, duetProject string) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"metadata": config.DefaultClientMetadata(duetProject),
	}
	return r.postInternal(ctx, endpoint+"/v1internal:loadCodeAssist", accessToken, body)
}

func extractProjectID(data map[string]interface{}) string {
	switch v := data["cloudaicompanionProject"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func defaultTierID(data map[string]interface{}) string {
	tiers, ok := data["allowedTiers"].([]interface{})
	if !ok {
		return ""
	}
	for _, t := range tiers {
		tierMap, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, _ := tierMap["isDefault"].(bool); isDefault {
			if id, ok := tierMap["id"].(string); ok {
				return id
			}
		}
	}
	return ""
}

// onboard POSTs /v1internal:onboardUser and polls until done=true (§4.F).
func (r *ProjectResolver) onboard(ctx context.Context, accessToken, tierID, duetProject string, maxAttempts int, delay time.Duration) (string, error) {
	metadata := config.DefaultClientMetadata(duetProject)
	body := map[string]interface{}{
		"tierId":   tierID,
		"metadata": metadata,
	}

	for _, endpoint := range config.OnboardUserEndpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			result, err := r.postInternal(ctx, endpoint+"/v1internal:onboardUser", accessToken, body)
			if err != nil {
				utils.Warn("[ProjectResolver] onboardUser failed at %s: %v", endpoint, err)
				break
			}

			if done, _ := result["done"].(bool); done {
				if resp, ok := result["response"].(map[string]interface{}); ok {
					if projectID := extractProjectID(resp); projectID != "" {
						return projectID, nil
					}
				}
				return "", nil
			}

			if attempt < maxAttempts-1 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(delay):
				}
			}
		}
	}
	return "", fmt.Errorf("onboarding exhausted all endpoints and attempts")
}

func (r *ProjectResolver) postInternal(ctx context.Context, url, accessToken string, body map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	tuple := config.Headers(config.HeaderStyleAntigravity)
	req.Header.Set("User-Agent", tuple.UserAgent)
	req.Header.Set("X-Goog-Api-Client", tuple.APIClient)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s failed with status %d", url, resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
