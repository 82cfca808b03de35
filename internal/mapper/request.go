package mapper

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/airouter/gateway/pkg/apierr"
)

// ConvertRequest rewrites an OpenAI-shaped chat-completion request body
// into the wire shape target expects. The client's model name is resolved
// through m first. Fields the target dialect has no equivalent for are
// silently dropped (spec: unsupported content parts are dropped, not
// rejected).
func ConvertRequest(m *ModelMapper, target Provider, body []byte) ([]byte, error) {
	root := gjson.ParseBytes(body)
	clientModel := root.Get("model").String()
	native := m.Resolve(target, clientModel)

	switch target {
	case OpenAI, Ollama:
		return convertRequestOpenAILike(body, native)
	case Anthropic:
		return convertRequestAnthropic(root, native)
	case Google:
		return convertRequestGoogle(root, native)
	case Bedrock:
		return convertRequestBedrock(root, native)
	default:
		return nil, apierr.UnsupportedProvider()
	}
}

func convertRequestOpenAILike(body []byte, native string) ([]byte, error) {
	out, err := sjson.SetBytes(body, "model", native)
	if err != nil {
		return nil, apierr.Mapper(err)
	}
	return out, nil
}

func convertRequestAnthropic(root gjson.Result, native string) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	if out, err = sjson.SetBytes(out, "model", native); err != nil {
		return nil, apierr.Mapper(err)
	}

	maxTokens := root.Get("max_tokens").Int()
	if maxTokens == 0 {
		maxTokens = 4096 // Anthropic requires max_tokens; default when the client omitted it
	}
	if out, err = sjson.SetBytes(out, "max_tokens", maxTokens); err != nil {
		return nil, apierr.Mapper(err)
	}

	if temp := root.Get("temperature"); temp.Exists() {
		if out, err = sjson.SetBytes(out, "temperature", temp.Value()); err != nil {
			return nil, apierr.Mapper(err)
		}
	}
	if topP := root.Get("top_p"); topP.Exists() {
		if out, err = sjson.SetBytes(out, "top_p", topP.Value()); err != nil {
			return nil, apierr.Mapper(err)
		}
	}
	if root.Get("stream").Bool() {
		if out, err = sjson.SetBytes(out, "stream", true); err != nil {
			return nil, apierr.Mapper(err)
		}
	}
	if stop := root.Get("stop"); stop.Exists() {
		seqs := collectStrings(stop)
		if out, err = sjson.SetBytes(out, "stop_sequences", seqs); err != nil {
			return nil, apierr.Mapper(err)
		}
	}

	var messages []map[string]any
	var systemText string
	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content").String()
		if role == "system" {
			systemText += content
			continue
		}
		messages = append(messages, map[string]any{
			"role":    normalizeRole(role, "user", "assistant"),
			"content": content,
		})
	}
	if systemText != "" {
		if out, err = sjson.SetBytes(out, "system", systemText); err != nil {
			return nil, apierr.Mapper(err)
		}
	}
	if out, err = sjson.SetBytes(out, "messages", messages); err != nil {
		return nil, apierr.Mapper(err)
	}

	if tc := root.Get("tool_choice"); tc.Exists() {
		if out, err = sjson.SetBytes(out, "tool_choice", convertToolChoiceAnthropic(tc)); err != nil {
			return nil, apierr.Mapper(err)
		}
	}
	if tools := root.Get("tools"); tools.Exists() {
		var anthropicTools []map[string]any
		for _, t := range tools.Array() {
			fn := t.Get("function")
			tool := map[string]any{"name": fn.Get("name").String(), "input_schema": fn.Get("parameters").Value()}
			if desc := fn.Get("description"); desc.Exists() {
				tool["description"] = desc.String()
			}
			anthropicTools = append(anthropicTools, tool)
		}
		if out, err = sjson.SetBytes(out, "tools", anthropicTools); err != nil {
			return nil, apierr.Mapper(err)
		}
	}

	return out, nil
}

func convertToolChoiceAnthropic(tc gjson.Result) map[string]any {
	if tc.Type == gjson.String {
		switch tc.String() {
		case "auto":
			return map[string]any{"type": "auto"}
		case "required":
			return map[string]any{"type": "any"}
		case "none":
			return map[string]any{"type": "none"}
		}
	}
	if name := tc.Get("function.name"); name.Exists() {
		return map[string]any{"type": "tool", "name": name.String()}
	}
	return map[string]any{"type": "auto"}
}

func convertRequestGoogle(root gjson.Result, native string) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	var contents []map[string]any
	var systemParts []map[string]any
	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		text := msg.Get("content").String()
		if role == "system" {
			systemParts = append(systemParts, map[string]any{"text": text})
			continue
		}
		geminiRole := "user"
		if role == "assistant" {
			geminiRole = "model"
		}
		contents = append(contents, map[string]any{
			"role":  geminiRole,
			"parts": []map[string]any{{"text": text}},
		})
	}
	if out, err = sjson.SetBytes(out, "contents", contents); err != nil {
		return nil, apierr.Mapper(err)
	}
	if len(systemParts) > 0 {
		if out, err = sjson.SetBytes(out, "systemInstruction.parts", systemParts); err != nil {
			return nil, apierr.Mapper(err)
		}
	}

	genConfig := map[string]any{}
	if temp := root.Get("temperature"); temp.Exists() {
		genConfig["temperature"] = temp.Value()
	}
	if maxTok := root.Get("max_tokens"); maxTok.Exists() {
		genConfig["maxOutputTokens"] = maxTok.Int()
	}
	if topP := root.Get("top_p"); topP.Exists() {
		genConfig["topP"] = topP.Value()
	}
	if stop := root.Get("stop"); stop.Exists() {
		genConfig["stopSequences"] = collectStrings(stop)
	}
	if len(genConfig) > 0 {
		if out, err = sjson.SetBytes(out, "generationConfig", genConfig); err != nil {
			return nil, apierr.Mapper(err)
		}
	}

	_ = native // Gemini model name is carried in the request URL, not the body
	return out, nil
}

func convertRequestBedrock(root gjson.Result, native string) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	var messages []map[string]any
	var systemBlocks []map[string]any
	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		text := msg.Get("content").String()
		if role == "system" {
			systemBlocks = append(systemBlocks, map[string]any{"text": text})
			continue
		}
		messages = append(messages, map[string]any{
			"role":    normalizeRole(role, "user", "assistant"),
			"content": []map[string]any{{"text": text}},
		})
	}
	if out, err = sjson.SetBytes(out, "messages", messages); err != nil {
		return nil, apierr.Mapper(err)
	}
	if len(systemBlocks) > 0 {
		if out, err = sjson.SetBytes(out, "system", systemBlocks); err != nil {
			return nil, apierr.Mapper(err)
		}
	}

	inferenceConfig := map[string]any{}
	if maxTok := root.Get("max_tokens"); maxTok.Exists() {
		inferenceConfig["maxTokens"] = maxTok.Int()
	}
	if temp := root.Get("temperature"); temp.Exists() {
		inferenceConfig["temperature"] = temp.Value()
	}
	if topP := root.Get("top_p"); topP.Exists() {
		inferenceConfig["topP"] = topP.Value()
	}
	if stop := root.Get("stop"); stop.Exists() {
		inferenceConfig["stopSequences"] = collectStrings(stop)
	}
	if len(inferenceConfig) > 0 {
		if out, err = sjson.SetBytes(out, "inferenceConfig", inferenceConfig); err != nil {
			return nil, apierr.Mapper(err)
		}
	}

	_ = native // Bedrock model id is carried in the request URL
	return out, nil
}

func collectStrings(r gjson.Result) []string {
	if r.IsArray() {
		var out []string
		for _, v := range r.Array() {
			out = append(out, v.String())
		}
		return out
	}
	return []string{r.String()}
}
