package protocol

import "testing"

func TestPatternMatch(t *testing.T) {
	p := compilePattern("/post/join/:id")

	params, ok := p.match("/post/join/abc123")
	if !ok {
		t.Fatal("expected match")
	}
	if params["id"] != "abc123" {
		t.Errorf("id = %q, want abc123", params["id"])
	}

	if _, ok := p.match("/post/join/abc/extra"); ok {
		t.Error("expected segment-count mismatch to fail")
	}
	if _, ok := p.match("/post/leave/abc"); ok {
		t.Error("expected literal segment mismatch to fail")
	}
}

func TestPatternMatchIgnoresQueryString(t *testing.T) {
	p := compilePattern("/callback/verify-ownership/:id")
	params, ok := p.match("/callback/verify-ownership/xyz?token=abc&foo=bar")
	if !ok {
		t.Fatal("expected match ignoring query string")
	}
	if params["id"] != "xyz" {
		t.Errorf("id = %q, want xyz", params["id"])
	}
}

func TestParseQuery(t *testing.T) {
	q := ParseQuery("token=hello%20world&empty=&k=v%3Dx")
	if q["token"] != "hello world" {
		t.Errorf("token = %q", q["token"])
	}
	if q["empty"] != "" {
		t.Errorf("empty = %q", q["empty"])
	}
	if q["k"] != "v=x" {
		t.Errorf("k = %q", q["k"])
	}
}

func TestRouteTableDispatchFallback(t *testing.T) {
	rt := newRouteTable()
	var gotFallback RequestPayload
	rt.OnUnmatched(func(req RequestPayload) { gotFallback = req })

	_, matched := rt.dispatch(RequestPayload{ID: 1, Method: "GET", Path: "/unregistered"})
	if matched {
		t.Fatal("expected no match")
	}
	if gotFallback.ID != 1 {
		t.Errorf("fallback not invoked with original request")
	}
}

func TestRouteTableDispatchMatch(t *testing.T) {
	rt := newRouteTable()
	rt.Handle("/get/relay/:id/:connectionKey", func(req RequestPayload, params, query map[string]string) ResponsePayload {
		if params["id"] != "r1" || params["connectionKey"] != "ck1" {
			t.Errorf("unexpected params: %+v", params)
		}
		return ResponsePayload{StatusCode: 200}
	})

	resp, matched := rt.dispatch(RequestPayload{Method: "GET", Path: "/get/relay/r1/ck1?x=1"})
	if !matched {
		t.Fatal("expected match")
	}
	if resp.StatusCode != 200 {
		t.Errorf("statusCode = %d, want 200", resp.StatusCode)
	}
}
