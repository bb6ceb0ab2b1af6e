package types

import (
	"context"
	"net/url"
	"time"
)

// GeoContext carries network-origin facts resolved by an upstream
// collaborator. It is passed explicitly; detectors never look these up by
// reflected property name.
type GeoContext struct {
	CountryCode  string
	ASN          uint32
	IsDatacenter bool
}

// RequestContext is the detection core's view of one inbound request.
// The core never parses raw sockets; the HTTP middleware fills this in.
type RequestContext struct {
	Context    context.Context
	TraceID    string
	Method     string
	Path       string
	Query      url.Values
	Headers    map[string][]string
	IP         string
	UserAgent  string
	Geo        *GeoContext
	ReceivedAt time.Time
}

// Header returns the first value of a header, or "".
func (r *RequestContext) Header(key string) string {
	if values, ok := r.Headers[key]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}
