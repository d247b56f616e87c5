package format

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/model"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// urlPattern extracts (model, action) from a generative-language path of the
// form /v1beta/models/{model}:{action} (§4.H step 1).
var urlPattern = regexp.MustCompile(`models/([^:/]+):([A-Za-z]+)`)

// ParseModelAction extracts the requested model and action verb from a
// generative-language URL. ok is false for any URL the Request Transformer
// does not apply to.
func ParseModelAction(rawURL string) (modelName, action string, ok bool) {
	m := urlPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// TransformInput bundles everything the Request Transformer needs beyond
// the URL and body — the pieces the Dispatcher (§4.L) has already resolved.
type TransformInput struct {
	RawURL                string
	Body                  []byte
	Endpoint              string
	Family                model.Family
	Resolved              model.Resolved
	ProjectID             string
	AccessToken           string
	HeaderStyle           config.HeaderStyle
	PluginSessionUUID     string
	Cache                 *signature.Cache
	ForceThinkingRecovery bool
	Debug                 bool
}

// PreparedRequest is the Request Transformer's output: everything the
// Dispatcher needs to actually send the upstream call (§4.L step 5).
type PreparedRequest struct {
	URL                       string
	Body                      []byte
	Headers                   map[string]string
	SessionKey                string
	NeedsSignedThinkingWarmup bool
	ToolDebugMissing          int
}

// Transform runs the full §4.H pipeline: URL rewrite, wrap, tool
// normalization/hardening, thinking configuration, cache-pointer lift,
// system-instruction rename, conversation repair (§4.I), and headers.
func Transform(in TransformInput) (*PreparedRequest, error) {
	modelName, action, ok := ParseModelAction(in.RawURL)
	if !ok {
		return nil, fmt.Errorf("format: URL does not target a models/{model}:{action} path: %s", in.RawURL)
	}
	if in.Resolved.ActualModel == "" {
		in.Resolved.ActualModel = modelName
	}

	url := in.Endpoint + "/v1internal:" + action
	if action == "streamGenerateContent" {
		url += "?alt=sse"
	}

	var body map[string]interface{}
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return nil, fmt.Errorf("format: invalid JSON body: %w", err)
	}

	isClaudeModel := in.Family == model.FamilyClaude

	if _, innerRequest, ok := alreadyWrapped(body); ok {
		// Already wrapped: patch model and request.sessionId in place with
		// sjson rather than re-marshaling the whole body — everything else
		// about an already-wrapped body stays opaque and untouched (§4.H
		// step 2).
		sessionKey := computeSessionKey(in, innerRequest)
		out, err := sjson.SetBytes(in.Body, "model", in.Resolved.ActualModel)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetBytes(out, "request.sessionId", sessionKey)
		if err != nil {
			return nil, err
		}
		return &PreparedRequest{
			URL: url, Body: out, SessionKey: sessionKey,
			Headers: buildHeaders(in, false),
		}, nil
	}

	innerRequest := body
	sessionKey := computeSessionKey(in, innerRequest)

	toolDebugMissing := normalizeTools(innerRequest, isClaudeModel)
	if isClaudeModel {
		hardenClaudeTools(innerRequest)
	}

	anthropicBeta := applyThinkingConfig(innerRequest, in.Resolved, isClaudeModel)

	liftCachePointer(innerRequest)
	renameSystemInstruction(innerRequest)

	needsWarmup := repairConversation(in, innerRequest, isClaudeModel)

	innerRequest["sessionId"] = sessionKey

	requestID := "agent-" + uuid.NewString()
	wrapped := map[string]interface{}{
		"project":   in.ProjectID,
		"model":     in.Resolved.ActualModel,
		"userAgent": config.Headers(in.HeaderStyle).UserAgent,
		"requestId": requestID,
		"request":   innerRequest,
	}

	out, err := json.Marshal(wrapped)
	if err != nil {
		return nil, err
	}

	headers := buildHeaders(in, action == "streamGenerateContent")
	if anthropicBeta != "" {
		headers[config.AnthropicBetaHeader] = anthropicBeta
	}

	if toolDebugMissing > 0 {
		utils.Debug("[RequestTransformer] %d tool declaration(s) missing a parameter schema, placeholder substituted", toolDebugMissing)
	}
	if needsWarmup {
		utils.Debug("[RequestTransformer] session %s needs a signed-thinking warmup before the main request", sessionKey)
	}

	return &PreparedRequest{
		URL:                       url,
		Body:                      out,
		Headers:                   headers,
		SessionKey:                sessionKey,
		NeedsSignedThinkingWarmup: needsWarmup,
		ToolDebugMissing:          toolDebugMissing,
	}, nil
}

func alreadyWrapped(body map[string]interface{}) (wrapped, inner map[string]interface{}, ok bool) {
	project, hasProject := body["project"].(string)
	request, hasRequest := body["request"].(map[string]interface{})
	if hasProject && project != "" && hasRequest {
		return body, request, true
	}
	return nil, nil, false
}

// computeSessionKey derives the Signature Cache's session key (§4.C) from
// the conversation's system and first-user text.
func computeSessionKey(in TransformInput, innerRequest map[string]interface{}) string {
	systemText := extractSystemText(innerRequest)
	firstUserText := extractFirstUserText(innerRequest)
	explicitID, _ := innerRequest["sessionId"].(string)
	conversationKey := signature.ConversationKey(explicitID, systemText, firstUserText)
	return signature.SessionKey(in.PluginSessionUUID, in.Resolved.ActualModel, in.ProjectID, conversationKey)
}

func extractSystemText(req map[string]interface{}) string {
	si, ok := req["systemInstruction"].(map[string]interface{})
	if !ok {
		return ""
	}
	parts, _ := si["parts"].([]interface{})
	var b strings.Builder
	for _, p := range parts {
		if pm, ok := p.(map[string]interface{}); ok {
			if t, ok := pm["text"].(string); ok {
				b.WriteString(t)
			}
		}
	}
	return b.String()
}

func extractFirstUserText(req map[string]interface{}) string {
	contents, _ := req["contents"].([]interface{})
	for _, c := range contents {
		cm, ok := c.(map[string]interface{})
		if !ok || cm["role"] != "user" {
			continue
		}
		parts, _ := cm["parts"].([]interface{})
		for _, p := range parts {
			if pm, ok := p.(map[string]interface{}); ok {
				if t, ok := pm["text"].(string); ok && t != "" {
					return t
				}
			}
		}
	}
	return ""
}

// normalizeTools implements §4.H step 3, returning the toolDebugMissing
// count.
func normalizeTools(req map[string]interface{}, isClaudeModel bool) int {
	rawTools, ok := req["tools"]
	if !ok {
		return 0
	}

	toolList, ok := rawTools.([]interface{})
	if !ok {
		return 0
	}

	type decl struct {
		name, description string
		schema            map[string]interface{}
		missing           bool
	}
	var decls []decl

	for _, t := range toolList {
		tm, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		delete(tm, "custom")

		if fds, ok := tm["functionDeclarations"].([]interface{}); ok {
			for _, fd := range fds {
				decls = append(decls, extractDecl(fd))
			}
			continue
		}
		decls = append(decls, extractDecl(tm))
	}

	missing := 0
	functionDeclarations := make([]map[string]interface{}, 0, len(decls))
	for _, d := range decls {
		if d.missing {
			missing++
		}
		name := CleanToolName(d.name)

		var schema map[string]interface{}
		if isClaudeModel {
			schema = SanitizeClaudeSchema(d.schema)
		} else {
			if d.schema == nil {
				d.schema = map[string]interface{}{}
			}
			schema = CleanGeminiSchema(d.schema)
		}

		functionDeclarations = append(functionDeclarations, map[string]interface{}{
			"name":        name,
			"description": d.description,
			"parameters":  schema,
		})
	}

	req["tools"] = []interface{}{
		map[string]interface{}{"functionDeclarations": toInterfaceSlice(functionDeclarations)},
	}
	if isClaudeModel {
		req["toolConfig"] = map[string]interface{}{
			"functionCallingConfig": map[string]interface{}{"mode": "VALIDATED"},
		}
	}
	return missing
}

func extractDecl(raw interface{}) struct {
	name, description string
	schema            map[string]interface{}
	missing           bool
} {
	type declT = struct {
		name, description string
		schema            map[string]interface{}
		missing           bool
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return declT{missing: true}
	}
	name, _ := m["name"].(string)
	description, _ := m["description"].(string)

	var schema map[string]interface{}
	if p, ok := m["parameters"].(map[string]interface{}); ok {
		schema = p
	} else if p, ok := m["input_schema"].(map[string]interface{}); ok {
		schema = p
	}

	return declT{name: name, description: description, schema: schema, missing: schema == nil}
}

func toInterfaceSlice(m []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(m))
	for i, v := range m {
		out[i] = v
	}
	return out
}

// hardenClaudeTools implements §4.H step 4: a fixed anti-hallucination
// system-instruction paragraph, plus a STRICT PARAMETERS line per tool.
const strictParametersPreamble = "You must never invent or hallucinate tool parameters that were not declared in the tool's schema. Only use the parameters explicitly listed for each tool."

func hardenClaudeTools(req map[string]interface{}) {
	appendSystemText(req, strictParametersPreamble)

	toolsList, _ := req["tools"].([]interface{})
	for _, t := range toolsList {
		tm, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		fds, _ := tm["functionDeclarations"].([]interface{})
		for _, fd := range fds {
			fdm, ok := fd.(map[string]interface{})
			if !ok {
				continue
			}
			params, _ := fdm["parameters"].(map[string]interface{})
			names := TopLevelParamNames(params)
			sort.Strings(names)
			line := "STRICT PARAMETERS: " + strings.Join(names, ", ")
			desc, _ := fdm["description"].(string)
			if desc != "" {
				fdm["description"] = desc + "\n" + line
			} else {
				fdm["description"] = line
			}
		}
	}
}

func appendSystemText(req map[string]interface{}, text string) {
	si, ok := req["systemInstruction"].(map[string]interface{})
	if !ok {
		req["systemInstruction"] = map[string]interface{}{
			"parts": []interface{}{map[string]interface{}{"text": text}},
		}
		return
	}
	parts, _ := si["parts"].([]interface{})
	if len(parts) > 0 {
		if last, ok := parts[len(parts)-1].(map[string]interface{}); ok {
			if t, ok := last["text"].(string); ok {
				last["text"] = t + "\n\n" + text
				si["parts"] = parts
				return
			}
		}
	}
	si["parts"] = append(parts, map[string]interface{}{"text": text})
}

// applyThinkingConfig implements §4.H step 5, returning the anthropic-beta
// header value to set (empty if thinking is not enabled for a Claude model).
func applyThinkingConfig(req map[string]interface{}, resolved model.Resolved, isClaudeModel bool) string {
	gc, _ := req["generationConfig"].(map[string]interface{})
	if gc == nil {
		gc = map[string]interface{}{}
	}

	userThinking := readUserThinkingConfig(req, gc)

	if !resolved.IsThinkingModel && userThinking == nil {
		req["generationConfig"] = gc
		return ""
	}

	if isClaudeModel {
		budget := resolved.ThinkingBudget
		if userThinking != nil {
			if b, ok := userThinking["thinking_budget"].(float64); ok && b > 0 {
				budget = int(b)
			} else if b, ok := userThinking["budget_tokens"].(float64); ok && b > 0 {
				budget = int(b)
			}
		}

		thinkingConfig := map[string]interface{}{"include_thoughts": true}
		if budget > 0 {
			thinkingConfig["thinking_budget"] = budget
		} else {
			delete(thinkingConfig, "include_thoughts")
		}
		gc["thinkingConfig"] = thinkingConfig

		maxTokens := 0
		if mt, ok := gc["maxOutputTokens"].(float64); ok {
			maxTokens = int(mt)
		}
		if maxTokens < config.ClaudeMinMaxOutputTok {
			gc["maxOutputTokens"] = config.ClaudeMinMaxOutputTok
		}

		appendSystemText(req, "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer.")
		req["generationConfig"] = gc
		return config.InterleavedThinking
	}

	// Gemini path.
	if strings.Contains(strings.ToLower(resolved.ActualModel), "gemini-3") {
		level := string(resolved.ThinkingLevel)
		if userThinking != nil {
			if l, ok := userThinking["thinkingLevel"].(string); ok && l != "" {
				level = l
			}
		}
		if level == "" {
			level = string(model.ThinkingMedium)
		}
		gc["thinkingConfig"] = map[string]interface{}{
			"includeThoughts": true,
			"thinkingLevel":   level,
		}
	} else {
		budget := resolved.ThinkingBudget
		if budget <= 0 {
			budget = config.GeminiDefaultMaxTokens
		}
		if userThinking != nil {
			if b, ok := userThinking["thinkingBudget"].(float64); ok && b > 0 {
				budget = int(b)
			}
		}
		gc["thinkingConfig"] = map[string]interface{}{
			"includeThoughts": true,
			"thinkingBudget":  budget,
		}
	}

	if mt, ok := gc["maxOutputTokens"].(float64); ok && int(mt) > config.GeminiMaxOutputTokens {
		gc["maxOutputTokens"] = config.GeminiMaxOutputTokens
	}

	req["generationConfig"] = gc
	return ""
}

// readUserThinkingConfig reads a host-supplied thinking config from
// generationConfig.thinkingConfig or extra_body.thinking{,Config} via gjson
// — this is exactly the "opaque payload, read a couple of paths" case the
// format package leans on gjson for rather than a typed struct.
func readUserThinkingConfig(req map[string]interface{}, gc map[string]interface{}) map[string]interface{} {
	if tc, ok := gc["thinkingConfig"].(map[string]interface{}); ok {
		return tc
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	for _, path := range []string{"extra_body.thinkingConfig", "extra_body.thinking"} {
		if r := gjson.GetBytes(raw, path); r.Exists() && r.IsObject() {
			var m map[string]interface{}
			if json.Unmarshal([]byte(r.Raw), &m) == nil {
				return m
			}
		}
	}
	return nil
}

// liftCachePointer implements §4.H step 6 via gjson/sjson: cached_content /
// cachedContent may arrive at the top level or under extra_body; either way
// it belongs at request.cachedContent once wrapped.
func liftCachePointer(req map[string]interface{}) {
	for _, key := range []string{"cached_content", "cachedContent", "extra_body.cached_content", "extra_body.cachedContent"} {
		if v, ok := lookupDotted(req, key); ok {
			req["cachedContent"] = v
			return
		}
	}
}

func lookupDotted(m map[string]interface{}, dotted string) (interface{}, bool) {
	parts := strings.Split(dotted, ".")
	cur := interface{}(m)
	for _, p := range parts {
		cm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := cm[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// renameSystemInstruction implements §4.H step 7.
func renameSystemInstruction(req map[string]interface{}) {
	if v, ok := req["system_instruction"]; ok {
		req["systemInstruction"] = v
		delete(req, "system_instruction")
	}
}

// repairConversation implements §4.H steps 8-10 by delegating to the
// Conversation Repairer (§4.I), and reports whether the prepared request
// still needs a dedicated warmup call to elicit a fresh signature before
// the main request can be sent.
func repairConversation(in TransformInput, req map[string]interface{}, isClaudeModel bool) bool {
	if messages, ok := req["messages"].([]interface{}); ok {
		contents := messagesToContents(messages)
		contents = PairClaudeToolBlocks(contents)
		req["messages"] = contentsToMessages(contents)
		return false
	}

	rawContents, ok := req["contents"].([]interface{})
	if !ok {
		return false
	}
	contents := geminiContentsToContents(rawContents)
	contents = PairToolIDs(contents)

	needsWarmup := false
	if in.Cache != nil {
		sessionKey := computeSessionKey(in, req)
		if isClaudeModel {
			contents = BackfillSignatures(in.Cache, sessionKey, contents)
		}
		recovered := RecoverCrashedConversation(in.Cache, sessionKey, contents, in.ForceThinkingRecovery)
		if len(recovered) != len(contents) {
			contents = recovered
		} else {
			state := analyzeConversation(contents)
			if state.inToolLoop && !state.turnHasThinking {
				if _, _, ok := in.Cache.LastThinking(sessionKey); !ok {
					needsWarmup = true
				}
			}
		}
	}

	req["contents"] = contentsToGemini(contents)
	return needsWarmup
}

func geminiContentsToContents(raw []interface{}) []Content {
	out := make([]Content, 0, len(raw))
	for _, c := range raw {
		cm, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := cm["role"].(string)
		rawParts, _ := cm["parts"].([]interface{})
		parts := make([]map[string]interface{}, 0, len(rawParts))
		for _, p := range rawParts {
			if pm, ok := p.(map[string]interface{}); ok {
				parts = append(parts, pm)
			}
		}
		out = append(out, Content{Role: role, Parts: parts})
	}
	return out
}

func contentsToGemini(contents []Content) []interface{} {
	out := make([]interface{}, 0, len(contents))
	for _, c := range contents {
		parts := make([]interface{}, len(c.Parts))
		for i, p := range c.Parts {
			parts[i] = p
		}
		out = append(out, map[string]interface{}{"role": c.Role, "parts": parts})
	}
	return out
}

func messagesToContents(messages []interface{}) []Content {
	out := make([]Content, 0, len(messages))
	for _, m := range messages {
		mm, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := mm["role"].(string)
		var parts []map[string]interface{}
		switch c := mm["content"].(type) {
		case string:
			parts = []map[string]interface{}{{"type": "text", "text": c}}
		case []interface{}:
			for _, b := range c {
				if bm, ok := b.(map[string]interface{}); ok {
					parts = append(parts, bm)
				}
			}
		}
		out = append(out, Content{Role: role, Parts: parts})
	}
	return out
}

func contentsToMessages(contents []Content) []interface{} {
	out := make([]interface{}, 0, len(contents))
	for _, c := range contents {
		blocks := make([]interface{}, len(c.Parts))
		for i, p := range c.Parts {
			blocks[i] = p
		}
		out = append(out, map[string]interface{}{"role": c.Role, "content": blocks})
	}
	return out
}

// buildHeaders implements §4.H step 11.
func buildHeaders(in TransformInput, streaming bool) map[string]string {
	tuple := config.Headers(in.HeaderStyle)
	headers := map[string]string{
		"Authorization":     "Bearer " + in.AccessToken,
		"Content-Type":      "application/json",
		"User-Agent":        tuple.UserAgent,
		"X-Goog-Api-Client": tuple.APIClient,
	}
	if streaming {
		headers["Accept"] = "text/event-stream"
	}
	return headers
}

// WarmupRequest builds the minimal tool-less, thinking-enabled request used
// to elicit a signature when PreparedRequest.NeedsSignedThinkingWarmup is
// true (§4.L step 6, GLOSSARY "Warmup request").
func WarmupRequest(in TransformInput) (*PreparedRequest, error) {
	warmupBody := map[string]interface{}{
		"contents": []interface{}{
			map[string]interface{}{
				"role":  "user",
				"parts": []interface{}{map[string]interface{}{"text": "Continue."}},
			},
		},
	}
	b, err := json.Marshal(warmupBody)
	if err != nil {
		return nil, err
	}
	warmIn := in
	warmIn.Body = b
	warmIn.ForceThinkingRecovery = false
	return Transform(warmIn)
}
