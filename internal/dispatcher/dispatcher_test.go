package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripRouterPrefix(t *testing.T) {
	assert.Equal(t, "/v1/chat/completions", StripRouterPrefix("/router/main/v1/chat/completions"))
	assert.Equal(t, "/", StripRouterPrefix("/router/main"))
}

func TestFilterHeaders_DropsHopByHopAndHelicone(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer client-key")
	in.Set("Connection", "keep-alive")
	in.Set("Helicone-Auth", "abc")
	in.Set("Content-Type", "application/json")

	out := filterHeaders(in)
	_, hasAuth := out["authorization"]
	_, hasConn := out["connection"]
	_, hasHelicone := out["helicone-auth"]
	assert.False(t, hasAuth)
	assert.False(t, hasConn)
	assert.False(t, hasHelicone)
	assert.Equal(t, "application/json", out["content-type"])
}

func TestBuildRequest_OpenAIBearerInjected(t *testing.T) {
	c := New()
	req, err := c.BuildRequest(context.Background(), Target{
		Provider: ProviderOpenAI,
		BaseURL:  "https://api.openai.com",
		APIKey:   "sk-test",
	}, "POST", "/v1/chat/completions", http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", req.URL.String())
}

func TestBuildRequest_AnthropicHeaders(t *testing.T) {
	c := New()
	req, err := c.BuildRequest(context.Background(), Target{
		Provider: ProviderAnthropic,
		BaseURL:  "https://api.anthropic.com",
		APIKey:   "ak-test",
	}, "POST", "/v1/messages", http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "ak-test", req.Header.Get("X-Api-Key"))
	assert.Equal(t, "2023-06-01", req.Header.Get("Anthropic-Version"))
}

func TestCollectBody_NonSuccessSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	c := New()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	_, err = c.CollectBody(resp)
	require.Error(t, err)
}

func TestStreamSSE_RelaysFramesAndTerminatesOnDone(t *testing.T) {
	body := "data: {\"a\":1}\n\ndata: {\"a\":2}\n\ndata: [DONE]\n\n"
	resp := &http.Response{
		StatusCode: 200,
		Body:       httptest_NopCloserReader(body),
	}

	c := New()
	frames := c.StreamSSE(context.Background(), resp)

	var collected []Frame
	for f := range frames {
		collected = append(collected, f)
	}
	require.Len(t, collected, 3)
	assert.True(t, collected[2].Done)
}

func httptest_NopCloserReader(s string) *nopReadCloser {
	return &nopReadCloser{r: strings.NewReader(s)}
}

type nopReadCloser struct{ r *strings.Reader }

func (n *nopReadCloser) Read(p []byte) (int, error) { return n.r.Read(p) }
func (n *nopReadCloser) Close() error                { return nil }
