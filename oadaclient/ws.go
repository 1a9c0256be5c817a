package oadaclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// watchRequest is sent once, immediately after the socket is established,
// to subscribe to a path's change feed starting after rev.
type watchRequest struct {
	Path string `json:"path"`
	Rev  int64  `json:"rev,omitempty"`
	Type string `json:"type"`
}

// watchFrame is one server-pushed message: a change batch. Changes[0] is
// always the batch root (Path == ""); the rest are descendants.
type watchFrame struct {
	Rev     int64    `json:"rev"`
	Changes []Change `json:"changes"`
}

// Watch opens the change feed for path at rev over a WebSocket connection
// and translates each server frame into a ChangeBatch. The returned channel
// is closed when ctx is cancelled or the socket ends; callers distinguish
// "cancelled" (ctx.Err() != nil) from "feed terminated unexpectedly" (§7)
// by checking ctx after the channel closes.
func (c *HTTPConn) Watch(ctx context.Context, path string, rev int64) (<-chan ChangeBatch, error) {
	wsURL, err := toWebSocketURL(c.baseURL, path)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: c.opts.dialTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("oadaclient: watch dial %s: status %d: %w", path, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("oadaclient: watch dial %s: %w", path, err)
	}

	if err := conn.WriteJSON(watchRequest{Path: path, Rev: rev, Type: "tree"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("oadaclient: watch subscribe %s: %w", path, err)
	}

	out := make(chan ChangeBatch)
	go c.pumpWatch(ctx, conn, path, out)
	return out, nil
}

func (c *HTTPConn) pumpWatch(ctx context.Context, conn *websocket.Conn, path string, out chan<- ChangeBatch) {
	defer close(out)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		var frame watchFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				c.opts.logger.Error("oadaclient: watch feed ended", "path", path, "error", err)
			}
			return
		}
		if len(frame.Changes) == 0 {
			continue
		}
		batch := ChangeBatch{
			Rev:      frame.Rev,
			Root:     frame.Changes[0],
			Children: frame.Changes[1:],
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return
		}
	}
}

func toWebSocketURL(baseURL, path string) (string, error) {
	scheme := "ws"
	rest := baseURL
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		scheme = "wss"
		rest = strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		scheme = "ws"
		rest = strings.TrimPrefix(baseURL, "http://")
	case strings.HasPrefix(baseURL, "wss://"), strings.HasPrefix(baseURL, "ws://"):
		return baseURL + "/" + strings.TrimLeft(path, "/"), nil
	default:
		return "", errors.New("oadaclient: base URL must be http(s):// or ws(s)://")
	}
	return scheme + "://" + rest + "/" + strings.TrimLeft(path, "/"), nil
}
