package mapper

import (
	"github.com/tidwall/gjson"

	"github.com/airouter/gateway/pkg/apierr"
)

// StreamState carries the fields a provider only sends once (id, model,
// created) across a stream's lifetime, since OpenAI's chunk format repeats
// them on every chunk.
type StreamState struct {
	ID      string
	Model   string
	Created int64
	started bool
}

// ConvertChunk rewrites one provider-native SSE data frame into an
// OpenAI-shaped "chat.completion.chunk" frame. state is mutated across
// calls for the same stream to carry forward the id/model/created fields
// captured from the first frame. The bool return reports whether frame
// translated to client-visible output at all — some upstream events (e.g.
// Anthropic's "ping", Bedrock's ContentBlockStop) carry no delta and are
// silently dropped rather than forwarded as an empty chunk.
func ConvertChunk(state *StreamState, source Provider, frame []byte) ([]byte, bool, error) {
	root := gjson.ParseBytes(frame)
	switch source {
	case OpenAI:
		return frame, true, nil
	case Anthropic:
		return convertChunkAnthropic(state, root)
	case Google:
		return convertChunkGoogle(state, root)
	case Ollama:
		return convertChunkOllama(state, root)
	case Bedrock:
		return convertChunkBedrock(state, root)
	default:
		return nil, false, apierr.UnsupportedProvider()
	}
}

func chunkEnvelope(state *StreamState, delta map[string]any, finishReason any) []byte {
	out := []byte(`{"object":"chat.completion.chunk"}`)
	out = setAll(out,
		pair{"id", state.ID},
		pair{"model", state.Model},
		pair{"created", state.Created},
		pair{"choices", []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}}},
	)
	return out
}

func convertChunkAnthropic(state *StreamState, root gjson.Result) ([]byte, bool, error) {
	switch root.Get("type").String() {
	case "message_start":
		state.ID = root.Get("message.id").String()
		state.Model = root.Get("message.model").String()
		state.started = true
		return chunkEnvelope(state, map[string]any{"role": "assistant"}, nil), true, nil
	case "content_block_delta":
		text := root.Get("delta.text").String()
		return chunkEnvelope(state, map[string]any{"content": text}, nil), true, nil
	case "message_delta":
		reason := finishReasonFromAnthropic(root.Get("delta.stop_reason").String())
		return chunkEnvelope(state, map[string]any{}, reason), true, nil
	default:
		// "ping", "content_block_start", "content_block_stop", "message_stop"
		// carry no client-visible delta.
		return nil, false, nil
	}
}

func convertChunkGoogle(state *StreamState, root gjson.Result) ([]byte, bool, error) {
	if !state.started {
		state.started = true
	}
	candidate := root.Get("candidates.0")
	var text string
	for _, part := range candidate.Get("content.parts").Array() {
		text += part.Get("text").String()
	}
	var finish any
	if fr := candidate.Get("finishReason"); fr.Exists() {
		if fr.String() == "MAX_TOKENS" {
			finish = "length"
		} else {
			finish = "stop"
		}
	}
	return chunkEnvelope(state, map[string]any{"content": text}, finish), true, nil
}

func convertChunkOllama(state *StreamState, root gjson.Result) ([]byte, bool, error) {
	if !state.started {
		state.Model = root.Get("model").String()
		state.started = true
	}
	var finish any
	if root.Get("done").Bool() {
		finish = "stop"
	}
	return chunkEnvelope(state, map[string]any{"content": root.Get("message.content").String()}, finish), true, nil
}

func convertChunkBedrock(state *StreamState, root gjson.Result) ([]byte, bool, error) {
	switch {
	case root.Get("messageStart").Exists():
		state.started = true
		return chunkEnvelope(state, map[string]any{"role": "assistant"}, nil), true, nil
	case root.Get("contentBlockDelta").Exists():
		text := root.Get("contentBlockDelta.delta.text").String()
		return chunkEnvelope(state, map[string]any{"content": text}, nil), true, nil
	case root.Get("messageStop").Exists():
		reason := "stop"
		switch root.Get("messageStop.stopReason").String() {
		case "max_tokens":
			reason = "length"
		case "tool_use":
			reason = "tool_calls"
		}
		return chunkEnvelope(state, map[string]any{}, reason), true, nil
	default:
		// ContentBlockStart/ContentBlockStop/metadata events don't translate.
		return nil, false, nil
	}
}
