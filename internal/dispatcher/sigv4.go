package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/airouter/gateway/pkg/apierr"
)

// sigv4Credentials are read from the environment at sign time rather than
// once at startup, so a credential rotation doesn't require a restart.
//
// Names match the gateway's own config surface (AWS_ACCESS_KEY /
// AWS_SECRET_KEY), not the AWS SDK's conventional AWS_ACCESS_KEY_ID /
// AWS_SECRET_ACCESS_KEY.
func sigv4Credentials() (accessKey, secretKey string, ok bool) {
	accessKey = os.Getenv("AWS_ACCESS_KEY")
	secretKey = os.Getenv("AWS_SECRET_KEY")
	return accessKey, secretKey, accessKey != "" && secretKey != ""
}

// signSigV4 signs an outgoing Bedrock request and returns the header set
// to send, with Authorization, X-Amz-Date and (when present)
// X-Amz-Security-Token added. region is derived by the caller from the request host (the
// second label of the Bedrock runtime hostname); service is always
// "bedrock".
//
// Signing must happen last, after every other header mutation, since the
// signature covers the full header set (spec: sign after all other header
// mutations).
func signSigV4(method, rawURL string, headers map[string]string, body []byte, region string) (map[string]string, error) {
	accessKey, secretKey, ok := sigv4Credentials()
	if !ok {
		return nil, apierr.AwsCredentialsNotFound()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apierr.Signing(err)
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	signed := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		signed[k] = v
	}
	signed["host"] = u.Host
	signed["x-amz-date"] = amzDate

	canonicalHeaders, signedHeaderNames := canonicalizeHeaders(signed)
	payloadHash := sha256Hex(body)

	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI(u.Path),
		u.RawQuery,
		canonicalHeaders,
		signedHeaderNames,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/bedrock/aws4_request", dateStamp, region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(secretKey, dateStamp, region, "bedrock")
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, credentialScope, signedHeaderNames, signature,
	)

	signed["authorization"] = authHeader
	if token := os.Getenv("AWS_SESSION_TOKEN"); token != "" {
		signed["x-amz-security-token"] = token
	}
	return signed, nil
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func canonicalizeHeaders(headers map[string]string) (canonical, signedNames string) {
	names := make([]string, 0, len(headers))
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		names = append(names, lk)
		lower[lk] = strings.TrimSpace(v)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(lower[n])
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

func deriveSigningKey(secretKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// bedrockRegion extracts the AWS region from a Bedrock runtime host, e.g.
// "bedrock-runtime.us-east-1.amazonaws.com" -> "us-east-1".
func bedrockRegion(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) >= 2 {
		return labels[1]
	}
	return "us-east-1"
}
