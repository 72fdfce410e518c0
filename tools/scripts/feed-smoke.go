// Package main is a CI-friendly smoke test for the clubhub notification feed.
//
// It validates:
//   - handshake + subprotocol selection
//   - bearer authentication (when -token or CLUBHUB_TOKEN is set)
//   - at least -want notification_new envelopes with decodable payloads
//
// Pings are skipped; an error envelope fails the run.
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

	clubapi "clubhub/shared/contracts/clubapi/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws/notifications", "feed WebSocket URL")
		token   = flag.String("token", os.Getenv("CLUBHUB_TOKEN"), "access token (default $CLUBHUB_TOKEN)")
		want    = flag.Int("want", 1, "notifications to wait for")
		timeout = flag.Duration("timeout", 15*time.Second, "overall timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *want < 1 {
		fatalf("-want must be >= 1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn := mustConnect(ctx, *wsURL, *token)
	defer closeWS(conn)

	got := 0
	for got < *want {
		env := mustReadEnvelope(ctx, conn)
		switch env.Type {
		case clubapi.TypePing:
			if *verbose {
				fmt.Printf("ping id=%s\n", env.ID)
			}
		case clubapi.TypeError:
			var ep clubapi.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
		case clubapi.TypeNotificationNew:
			var n clubapi.Notification
			if err := json.Unmarshal(env.Payload, &n); err != nil {
				fatalf("notification payload: %v", err)
			}
			if n.ID == "" {
				fatalf("notification without id (envelope %s)", env.ID)
			}
			got++
			if *verbose {
				fmt.Printf("notification id=%s type=%s receiver=%s\n", n.ID, n.Type, n.ReceiverID)
			}
		}
	}

	fmt.Printf("OK: url=%s notifications=%d\n", *wsURL, got)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(ctx context.Context, wsURL, token string) *websocket.Conn {
	h := http.Header{}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{clubapi.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			fatalf("connect: rejected with %d (check -token)", resp.StatusCode)
		}
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != clubapi.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, clubapi.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustReadEnvelope(ctx context.Context, conn *websocket.Conn) clubapi.Envelope {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v (close status %d)", err, websocket.CloseStatus(err))
	}
	if mt != websocket.MessageText {
		fatalf("unsupported message type: %v", mt)
	}

	var env clubapi.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("bad json: %v", err)
	}
	if err := env.Validate(); err != nil {
		fatalf("bad envelope: %v", err)
	}
	return env
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
