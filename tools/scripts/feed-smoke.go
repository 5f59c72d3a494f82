// Package main provides a CI-friendly smoke test for the luckypool HTTP surface.
//
// It validates:
//   - /healthz and /pools respond
//   - feed handshake + subprotocol selection (with the bearer token if set)
//   - hello carries a session id
//   - optionally, that an event of a given type arrives within -wait
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "luckypool/shared/contracts/feed/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16

type poolView struct {
	Tier         string `json:"tier"`
	Open         bool   `json:"open"`
	Cycle        int64  `json:"cycle"`
	Display      string `json:"display"`
	Participants int    `json:"participants"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "luckypool HTTP base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send on the feed handshake")
		token   = flag.String("token", os.Getenv("LUCKYPOOL_FEED_TOKEN"), "feed bearer token")
		expect  = flag.String("expect", "", "event type to wait for after hello (e.g. pool.opened)")
		wait    = flag.Duration("wait", 30*time.Second, "how long to wait for -expect")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := url.Parse(*baseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -url %q", *baseURL)
	}
	if *expect != "" {
		if _, ok := v1.AllowedTypes[*expect]; !ok {
			fatalf("unknown -expect type %q", *expect)
		}
	}

	root := context.Background()

	mustGetOK(root, base.JoinPath("healthz").String(), *timeout)
	pools := mustGetPools(root, base.JoinPath("pools").String(), *timeout)
	if *verbose {
		for _, p := range pools {
			fmt.Printf("pool %s cycle=%d open=%t amount=%s participants=%d\n", p.Tier, p.Cycle, p.Open, p.Display, p.Participants)
		}
	}

	conn, sessionID := mustConnect(root, feedURL(base), *origin, *token, *timeout)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	if *verbose {
		fmt.Printf("connected: session=%s\n", sessionID)
	}

	if *expect != "" {
		env := mustReadUntilType(root, conn, *expect, *wait, *verbose)
		fmt.Printf("OK: session=%s pools=%d event=%s id=%s\n", sessionID, len(pools), env.Type, env.ID)
		return
	}
	fmt.Printf("OK: session=%s pools=%d\n", sessionID, len(pools))
}

func feedURL(base *url.URL) string {
	u := *base.JoinPath("feed")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func mustGetOK(parent context.Context, target string, timeout time.Duration) {
	resp := mustGet(parent, target, timeout)
	_ = resp.Body.Close()
}

func mustGetPools(parent context.Context, target string, timeout time.Duration) []poolView {
	resp := mustGet(parent, target, timeout)
	defer resp.Body.Close()

	var out []poolView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode %s: %v", target, err)
	}
	if len(out) == 0 {
		fatalf("%s returned no tiers", target)
	}
	return out
}

func mustGet(parent context.Context, target string, timeout time.Duration) *http.Response {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		fatalf("request %s: %v", target, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("GET %s: %v", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		fatalf("GET %s: status=%d", target, resp.StatusCode)
	}
	return resp
}

func mustConnect(parent context.Context, wsURL, origin, token string, timeout time.Duration) (*websocket.Conn, string) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", wsURL, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	hello := mustReadUntilType(parent, conn, v1.TypeHello, timeout, false)
	var p v1.HelloPayload
	if err := json.Unmarshal(hello.Payload, &p); err != nil {
		fatalf("unmarshal hello payload: %v", err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello missing session_id")
	}
	return conn, p.SessionID
}

// mustReadUntilType skips other events; the feed interleaves whatever the engine publishes.
func mustReadUntilType(parent context.Context, conn *websocket.Conn, wantType string, wait time.Duration, verbose bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			fatalf("waiting for %q: %v", wantType, err)
		}
		if verbose {
			fmt.Printf("event %s id=%s payload=%s\n", env.Type, env.ID, env.Payload)
		}
		if env.Type == wantType {
			return env
		}
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, errors.New("unexpected binary frame")
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad json: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	return env, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
