// Package reqcontext carries the per-request state assembled by the
// router's HTTP handler before dispatch runs: which ApiEndpoint matched, the
// resolved auth context, the router's provider keys, and the original
// path/query — all the values downstream stages need without re-deriving
// them from the raw request.
package reqcontext

import (
	"github.com/airouter/gateway/internal/auth"
)

// EndpointType names a class of API surface a router exposes (chat
// completions, embeddings, etc.), matching the spec's EndpointType concept.
type EndpointType string

const (
	EndpointChatCompletions EndpointType = "chat_completions"
	EndpointCompletions     EndpointType = "completions"
	EndpointEmbeddings      EndpointType = "embeddings"
)

// ApiEndpoint is the resolved route: which router and endpoint type a
// request's path mapped to.
type ApiEndpoint struct {
	RouterID string
	Type     EndpointType
	Path     string // remainder after the /router/{id} prefix
}

// RequestContext is the bundle threaded through the pipeline for a single
// inbound request.
type RequestContext struct {
	RequestID     string
	Endpoint      ApiEndpoint
	Auth          auth.Context
	ProviderKeys  map[string]string // provider name -> API key, scoped to this router
	PathAndQuery  string
}

// New builds a RequestContext. Auth and Endpoint are filled in by the
// middleware/router stages as the request is resolved; New only seeds the
// values known at request-entry time.
func New(requestID, pathAndQuery string) *RequestContext {
	return &RequestContext{RequestID: requestID, PathAndQuery: pathAndQuery}
}

// WithEndpoint returns a copy of rc with Endpoint set, used once the router
// has resolved the ApiEndpoint for this request.
func (rc *RequestContext) WithEndpoint(ep ApiEndpoint) *RequestContext {
	next := *rc
	next.Endpoint = ep
	return &next
}

// WithAuth returns a copy of rc with Auth set.
func (rc *RequestContext) WithAuth(a auth.Context) *RequestContext {
	next := *rc
	next.Auth = a
	return &next
}
