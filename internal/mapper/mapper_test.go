package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestModelMapper_ResolveFallsBackToClientModel(t *testing.T) {
	m := NewModelMapper()
	assert.Equal(t, "claude-3-5-sonnet-20241022", m.Resolve(Anthropic, "gpt-4o"))
	assert.Equal(t, "some-custom-model", m.Resolve(Anthropic, "some-custom-model"))
}

func TestModelMapper_Add(t *testing.T) {
	m := NewModelMapper()
	m.Add(Ollama, "gpt-4o", "llama3.1")
	assert.Equal(t, "llama3.1", m.Resolve(Ollama, "gpt-4o"))
}

func TestConvertRequest_Anthropic_SplitsSystemMessage(t *testing.T) {
	m := NewModelMapper()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}],"max_tokens":100}`)

	out, err := ConvertRequest(m, Anthropic, body)
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	assert.Equal(t, "be terse", root.Get("system").String())
	assert.Equal(t, 1, len(root.Get("messages").Array()))
	assert.Equal(t, "user", root.Get("messages.0.role").String())
	assert.EqualValues(t, 100, root.Get("max_tokens").Int())
}

func TestConvertRequest_Anthropic_DefaultsMaxTokens(t *testing.T) {
	m := NewModelMapper()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	out, err := ConvertRequest(m, Anthropic, body)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, gjson.GetBytes(out, "max_tokens").Int())
}

func TestConvertRequest_Google_MapsRoles(t *testing.T) {
	m := NewModelMapper()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hey"}]}`)

	out, err := ConvertRequest(m, Google, body)
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	assert.Equal(t, "user", root.Get("contents.0.role").String())
	assert.Equal(t, "model", root.Get("contents.1.role").String())
}

// TestConvertRequest_Anthropic_CarriesTemperatureTopPAndTools converts an
// OpenAI-shaped request into the Anthropic dialect, checking that
// temperature, top_p, and the tool name carry over, then checks the same
// fields on the OpenAI (identity) conversion of the original request.
func TestConvertRequest_Anthropic_CarriesTemperatureTopPAndTools(t *testing.T) {
	m := NewModelMapper()
	original := []byte(`{
		"model":"gpt-4o",
		"messages":[{"role":"user","content":"what's the weather in Boston?"}],
		"temperature":0.4,
		"top_p":0.85,
		"max_tokens":200,
		"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object","properties":{"city":{"type":"string"}}}}}]
	}`)

	anthropicBody, err := ConvertRequest(m, Anthropic, original)
	require.NoError(t, err)

	root := gjson.ParseBytes(anthropicBody)
	assert.Equal(t, 0.4, root.Get("temperature").Float())
	assert.Equal(t, 0.85, root.Get("top_p").Float())
	assert.Equal(t, "get_weather", root.Get("tools.0.name").String())

	// Convert the original request for an OpenAI target (the identity
	// path) and confirm the same temperature/top_p/tool fields come
	// through ConvertRequest unchanged.
	openaiBody, err := ConvertRequest(m, OpenAI, original)
	require.NoError(t, err)
	rootOpenAI := gjson.ParseBytes(openaiBody)
	assert.Equal(t, root.Get("temperature").Float(), rootOpenAI.Get("temperature").Float())
	assert.Equal(t, 0.85, rootOpenAI.Get("top_p").Float())
	assert.Equal(t, "get_weather", rootOpenAI.Get("tools.0.function.name").String())
}

func TestConvertResponse_Anthropic_ToOpenAIShape(t *testing.T) {
	body := []byte(`{"id":"msg_1","model":"claude-3-5-sonnet-20241022","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":3}}`)

	out, err := ConvertResponse(Anthropic, body)
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	assert.Equal(t, "hello", root.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", root.Get("choices.0.finish_reason").String())
	assert.EqualValues(t, 8, root.Get("usage.total_tokens").Int())
}

func TestConvertChunk_Anthropic_AcrossLifecycle(t *testing.T) {
	state := &StreamState{}

	start := []byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022"}}`)
	out, ok, err := ConvertChunk(state, Anthropic, start)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "msg_1", gjson.GetBytes(out, "id").String())

	delta := []byte(`{"type":"content_block_delta","delta":{"text":"hi"}}`)
	out, ok, err = ConvertChunk(state, Anthropic, delta)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", gjson.GetBytes(out, "choices.0.delta.content").String())
	assert.Equal(t, "msg_1", gjson.GetBytes(out, "id").String())

	stop := []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)
	out, ok, err = ConvertChunk(state, Anthropic, stop)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stop", gjson.GetBytes(out, "choices.0.finish_reason").String())
}

func TestConvertChunk_Anthropic_DropsUntranslatableEvents(t *testing.T) {
	state := &StreamState{}

	ping := []byte(`{"type":"ping"}`)
	out, ok, err := ConvertChunk(state, Anthropic, ping)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)

	blockStart := []byte(`{"type":"content_block_start"}`)
	out, ok, err = ConvertChunk(state, Anthropic, blockStart)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestConvertChunk_Bedrock_DropsUntranslatableEvents(t *testing.T) {
	state := &StreamState{}

	blockStop := []byte(`{"contentBlockStop":{}}`)
	out, ok, err := ConvertChunk(state, Bedrock, blockStop)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)
}
