package protocol

import "strings"

// HandlerFunc answers an inbound Request on the receive side of a channel.
type HandlerFunc func(req RequestPayload, params map[string]string, query map[string]string) ResponsePayload

// pattern is a compiled route of the form "/seg/:name/seg".
type pattern struct {
	raw      string
	segments []string
}

func compilePattern(p string) pattern {
	return pattern{raw: p, segments: splitSegments(p)}
}

// splitSegments splits a path on '/', ignoring the query string, and drops
// empty leading/trailing segments produced by a leading/trailing slash.
func splitSegments(path string) []string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	raw := strings.Split(path, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// match checks a request path against the pattern's segments, ignoring the
// query string and binding ":name" segments as parameters. The segment
// count must match exactly.
func (p pattern) match(path string) (map[string]string, bool) {
	segs := splitSegments(path)
	if len(segs) != len(p.segments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, ps := range p.segments {
		if strings.HasPrefix(ps, ":") {
			params[ps[1:]] = segs[i]
			continue
		}
		if ps != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// ParseQuery hand-parses a "k=v&k2=v2" query string with URL-decoding,
// matching the receive-side routing rules of §4.1 rather than reaching
// for net/url's (stricter, semicolon-aware) query parser.
func ParseQuery(rawQuery string) map[string]string {
	out := make(map[string]string)
	if rawQuery == "" {
		return out
	}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out[urlDecode(k)] = urlDecode(v)
	}
	return out
}

func urlDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				if hi, ok := hexVal(s[i+1]); ok {
					if lo, ok2 := hexVal(s[i+2]); ok2 {
						b.WriteByte(byte(hi<<4 | lo))
						i += 2
						continue
					}
				}
			}
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// routeTable matches requests against registered patterns, falling back to
// a generic event handler when nothing matches.
type routeTable struct {
	routes  []route
	fallback func(RequestPayload)
}

type route struct {
	pattern pattern
	handler HandlerFunc
}

func newRouteTable() *routeTable {
	return &routeTable{}
}

func (rt *routeTable) Handle(p string, h HandlerFunc) {
	rt.routes = append(rt.routes, route{pattern: compilePattern(p), handler: h})
}

func (rt *routeTable) OnUnmatched(fn func(RequestPayload)) {
	rt.fallback = fn
}

// dispatch finds the first matching pattern and invokes its handler; if
// none matches, the raw request is emitted via the fallback (spec.md §4.1:
// "the raw request is emitted as a generic event for upper layers").
func (rt *routeTable) dispatch(req RequestPayload) (ResponsePayload, bool) {
	pathOnly, query := req.Path, ""
	if i := strings.IndexByte(req.Path, '?'); i >= 0 {
		pathOnly, query = req.Path[:i], req.Path[i+1:]
	}
	for _, r := range rt.routes {
		if params, ok := r.pattern.match(pathOnly); ok {
			return r.handler(req, params, ParseQuery(query)), true
		}
	}
	if rt.fallback != nil {
		rt.fallback(req)
	}
	return ResponsePayload{}, false
}
