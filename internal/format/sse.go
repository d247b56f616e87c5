package format

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// StreamTransformInput bundles what TransformSSEStream needs to rewrite a
// line at a time (§4.J streaming path).
type StreamTransformInput struct {
	Reader     io.Reader
	Writer     io.Writer
	Cache      *signature.Cache
	SessionKey string
	DebugBlob  []byte
}

// TransformSSEStream implements §4.J's streaming path: buffer partial lines
// across chunks, rewrite each `data:` line's thinking parts into the host's
// canonical shape, harvest signatures into the cache as they appear, and
// pass every other line through verbatim.
func TransformSSEStream(in StreamTransformInput) error {
	scanner := bufio.NewScanner(in.Reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	accumulated := map[int]string{}
	emittedAny := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			if _, err := fmt.Fprintln(in.Writer, line); err != nil {
				return err
			}
			continue
		}

		jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if jsonText == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
			utils.Debug("[ResponseTransformer] SSE parse warning: %v", err)
			continue
		}

		payload := raw
		if resp, ok := raw["response"].(map[string]interface{}); ok {
			payload = resp
		}

		rewriteThinkingParts(payload, accumulated, in.Cache, in.SessionKey)

		if !emittedAny {
			emittedAny = true
			if len(in.DebugBlob) > 0 {
				if _, err := fmt.Fprintf(in.Writer, "data: %s\n\n", in.DebugBlob); err != nil {
					return err
				}
			}
		}

		out, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(in.Writer, "data: %s\n\n", out); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// rewriteThinkingParts walks candidates[].content.parts[], rewriting a
// Gemini thought part `{thought:true,text}` into the host's canonical
// `{type:"reasoning",text}` shape, passing an Anthropic `{type:"thinking"}`
// part through unchanged, and harvesting any signature it carries into the
// cache as both a keyed entry and the sessionKey's "last thinking" (§4.J).
func rewriteThinkingParts(payload map[string]interface{}, accumulated map[int]string, cache *signature.Cache, sessionKey string) {
	candidates, ok := payload["candidates"].([]interface{})
	if !ok {
		return
	}

	for idx, c := range candidates {
		cm, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := cm["content"].(map[string]interface{})
		if !ok {
			continue
		}
		parts, ok := content["parts"].([]interface{})
		if !ok {
			continue
		}

		newParts := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			pm, ok := p.(map[string]interface{})
			if !ok {
				newParts = append(newParts, p)
				continue
			}

			if t, _ := pm["type"].(string); t == "thinking" {
				newParts = append(newParts, pm)
				continue
			}

			thought, _ := pm["thought"].(bool)
			if !thought {
				newParts = append(newParts, pm)
				continue
			}

			text, _ := pm["text"].(string)
			accumulated[idx] += text

			sig := ""
			if s, ok := pm["thoughtSignature"].(string); ok {
				sig = s
			} else if s, ok := pm["signature"].(string); ok {
				sig = s
			}
			if cache != nil && len(sig) >= config.MinSignatureLength {
				cache.Put(sessionKey, accumulated[idx], sig, nil)
			}

			newParts = append(newParts, map[string]interface{}{"type": "reasoning", "text": text})
		}

		content["parts"] = newParts
		cm["content"] = content
	}
}

// DebugBlob builds the one injected diagnostic SSE event (model, project,
// endpoint) emitted before the first transformed event when debug mode is
// on (§4.J).
func DebugBlob(modelName, projectID, endpoint string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, `{"type":"debug","model":%q,"project":%q,"endpoint":%q}`, modelName, projectID, endpoint)
	return b.Bytes()
}
