// Package translator keeps the pair-indexed format converters. Pairs are
// registered by the per-dialect packages at init time, keyed by the client
// format the request arrived in and the dialect the chosen upstream speaks.
// A missing pair means pass-through.
package translator

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// RequestTransform converts a request payload from one dialect to another.
type RequestTransform func(model string, rawJSON []byte, stream bool) []byte

// ResponseStreamTransform converts one upstream stream line into zero or
// more client chunks. param carries per-stream converter state; it starts
// nil and the transform owns whatever it stores there.
type ResponseStreamTransform func(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string

// ResponseNonStreamTransform converts a complete upstream body.
type ResponseNonStreamTransform func(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string

// ResponseTokenCountTransform renders a token count in the client dialect.
type ResponseTokenCountTransform func(ctx context.Context, count int64) string

// ResponseTransform groups the response-side transforms of one pair.
type ResponseTransform struct {
	Stream     ResponseStreamTransform
	NonStream  ResponseNonStreamTransform
	TokenCount ResponseTokenCountTransform
}

var (
	Requests  map[string]map[string]RequestTransform
	Responses map[string]map[string]ResponseTransform
)

func init() {
	Requests = make(map[string]map[string]RequestTransform)
	Responses = make(map[string]map[string]ResponseTransform)
}

// Register installs the converters for one (from, to) pair.
func Register(from, to string, request RequestTransform, response ResponseTransform) {
	log.Debugf("registering translator from %s to %s", from, to)
	if _, ok := Requests[from]; !ok {
		Requests[from] = make(map[string]RequestTransform)
	}
	Requests[from][to] = request

	if _, ok := Responses[from]; !ok {
		Responses[from] = make(map[string]ResponseTransform)
	}
	Responses[from][to] = response
}

// Request translates a request body, or returns it unchanged when the pair
// has no converter.
func Request(from, to, modelName string, rawJSON []byte, stream bool) []byte {
	if transform, ok := Requests[from][to]; ok {
		return transform(modelName, rawJSON, stream)
	}
	return rawJSON
}

// NeedConvert reports whether responses for the pair require translation.
func NeedConvert(from, to string) bool {
	_, ok := Responses[from][to]
	return ok
}

// Response translates one stream line.
func Response(from, to string, ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	if transform, ok := Responses[from][to]; ok && transform.Stream != nil {
		return transform.Stream(ctx, modelName, originalRequestRawJSON, requestRawJSON, rawJSON, param)
	}
	return []string{string(rawJSON)}
}

// ResponseNonStream translates a complete response body.
func ResponseNonStream(from, to string, ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	if transform, ok := Responses[from][to]; ok && transform.NonStream != nil {
		return transform.NonStream(ctx, modelName, originalRequestRawJSON, requestRawJSON, rawJSON, param)
	}
	return string(rawJSON)
}

// TokenCount renders a token count for the client dialect, or "" when the
// pair has no count representation.
func TokenCount(from, to string, ctx context.Context, count int64) string {
	if transform, ok := Responses[from][to]; ok && transform.TokenCount != nil {
		return transform.TokenCount(ctx, count)
	}
	return ""
}
