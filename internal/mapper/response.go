package mapper

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/airouter/gateway/pkg/apierr"
)

// ConvertResponse rewrites a provider-native, non-streaming response body
// into the OpenAI chat-completion shape the client expects.
func ConvertResponse(source Provider, body []byte) ([]byte, error) {
	root := gjson.ParseBytes(body)
	switch source {
	case OpenAI:
		return body, nil
	case Anthropic:
		return convertResponseAnthropic(root)
	case Google:
		return convertResponseGoogle(root)
	case Ollama:
		return convertResponseOllama(root)
	case Bedrock:
		return convertResponseBedrock(root)
	default:
		return nil, apierr.UnsupportedProvider()
	}
}

func finishReasonFromAnthropic(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence", "end_turn":
		return "stop"
	default:
		return "stop"
	}
}

func convertResponseAnthropic(root gjson.Result) ([]byte, error) {
	var text string
	for _, block := range root.Get("content").Array() {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
	}
	promptTokens := root.Get("usage.input_tokens").Int()
	completionTokens := root.Get("usage.output_tokens").Int()

	out := []byte(`{"object":"chat.completion"}`)
	out = setAll(out,
		pair{"id", root.Get("id").String()},
		pair{"model", root.Get("model").String()},
		pair{"choices", []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": finishReasonFromAnthropic(root.Get("stop_reason").String()),
		}}},
		pair{"usage", map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		}},
	)
	return out, nil
}

func convertResponseGoogle(root gjson.Result) ([]byte, error) {
	candidate := root.Get("candidates.0")
	var text string
	for _, part := range candidate.Get("content.parts").Array() {
		text += part.Get("text").String()
	}
	finish := "stop"
	switch candidate.Get("finishReason").String() {
	case "MAX_TOKENS":
		finish = "length"
	}
	promptTokens := root.Get("usageMetadata.promptTokenCount").Int()
	completionTokens := root.Get("usageMetadata.candidatesTokenCount").Int()

	out := []byte(`{"object":"chat.completion"}`)
	out = setAll(out,
		pair{"choices", []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": finish,
		}}},
		pair{"usage", map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		}},
	)
	return out, nil
}

func convertResponseOllama(root gjson.Result) ([]byte, error) {
	promptTokens := root.Get("prompt_eval_count").Int()
	completionTokens := root.Get("eval_count").Int()

	out := []byte(`{"object":"chat.completion"}`)
	out = setAll(out,
		pair{"model", root.Get("model").String()},
		pair{"choices", []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": root.Get("message.content").String()},
			"finish_reason": "stop",
		}}},
		pair{"usage", map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		}},
	)
	return out, nil
}

func convertResponseBedrock(root gjson.Result) ([]byte, error) {
	var text string
	for _, block := range root.Get("output.message.content").Array() {
		text += block.Get("text").String()
	}
	finish := "stop"
	switch root.Get("stopReason").String() {
	case "max_tokens":
		finish = "length"
	case "tool_use":
		finish = "tool_calls"
	}
	promptTokens := root.Get("usage.inputTokens").Int()
	completionTokens := root.Get("usage.outputTokens").Int()

	out := []byte(`{"object":"chat.completion"}`)
	out = setAll(out,
		pair{"choices", []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": finish,
		}}},
		pair{"usage", map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		}},
	)
	return out, nil
}

type pair struct {
	path  string
	value any
}

// setAll applies a sequence of sjson.SetBytes calls, ignoring per-key errors
// since every path/value pair here is statically well-formed; it exists to
// keep conversion functions above free of repetitive error checks.
func setAll(body []byte, pairs ...pair) []byte {
	out := body
	for _, p := range pairs {
		if next, err := sjson.SetBytes(out, p.path, p.value); err == nil {
			out = next
		}
	}
	return out
}
