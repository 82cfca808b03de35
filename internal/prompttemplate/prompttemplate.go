// Package prompttemplate resolves a promptId in an inbound request body
// into a stored template and merges the request over it. The storage fetch
// itself (S3/MinIO in the control-plane deployment) is injected as a
// TemplateFetcher so this package stays testable without a real bucket.
package prompttemplate

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// gzipMagic is the two-byte gzip member header (RFC 1952 §2.3.1).
var gzipMagic = []byte{0x1f, 0x8b}

// TemplateFetcher retrieves the raw (possibly gzip-compressed) stored
// template body for a promptId. The real implementation signs and fetches
// an S3/MinIO object; that transport is out of scope here.
type TemplateFetcher interface {
	FetchTemplate(ctx context.Context, promptID string) ([]byte, error)
}

// Resolver applies prompt templating to request bodies that carry a
// promptId.
type Resolver struct {
	fetcher TemplateFetcher
}

// New builds a Resolver backed by fetcher.
func New(fetcher TemplateFetcher) *Resolver {
	return &Resolver{fetcher: fetcher}
}

// Apply inspects body for a top-level "promptId" field. When absent, body
// is returned unchanged. When present, the stored template is fetched,
// decompressed if gzipped, and the request JSON is shallow-merged over it
// — request keys win over template keys at the top level. promptId itself
// is left in the merged body: nothing in the stored format calls for
// stripping it, so it rides along as ordinary request data.
func (r *Resolver) Apply(ctx context.Context, body []byte) ([]byte, error) {
	promptID := gjson.GetBytes(body, "promptId").String()
	if promptID == "" {
		return body, nil
	}

	raw, err := r.fetcher.FetchTemplate(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("prompttemplate: fetch %q: %w", promptID, err)
	}

	template, err := decompressIfGzip(raw)
	if err != nil {
		return nil, fmt.Errorf("prompttemplate: decompress %q: %w", promptID, err)
	}

	return mergeOver(template, body)
}

func decompressIfGzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != gzipMagic[0] || raw[1] != gzipMagic[1] {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// mergeOver shallow-merges request's top-level fields onto template: keys
// present in request replace the template's value for that key; keys the
// template has that request doesn't are preserved.
func mergeOver(template, request []byte) ([]byte, error) {
	if !gjson.ValidBytes(template) {
		return nil, fmt.Errorf("prompttemplate: stored template is not valid JSON")
	}

	merged := template
	var setErr error
	gjson.ParseBytes(request).ForEach(func(key, value gjson.Result) bool {
		merged, setErr = sjson.SetRawBytes(merged, key.String(), []byte(value.Raw))
		return setErr == nil
	})
	if setErr != nil {
		return nil, fmt.Errorf("prompttemplate: merge: %w", setErr)
	}
	return merged, nil
}
