package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panel-pipeline/backend/internal/pipeline"
	"github.com/panel-pipeline/backend/internal/ws"
)

const dialTimeout = 10 * time.Second

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readJob(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read job file: %w", err)
	}
	return string(data), nil
}

// submit dials the server, sends the job once the session is announced, and
// prints events until processComplete. It reports whether the job succeeded.
func submit(ctx context.Context, url, token, csvData string, p *printer) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	if token != "" {
		header.Set("X-Pipeline-Token", token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("connect %s: %s", url, resp.Status)
		}
		return false, fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()

	// Unblock the read loop on interrupt.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("connection lost before the job finished: %w", err)
		}

		switch msg.Type {
		case ws.MsgConnected:
			var c ws.ConnectedPayload
			_ = json.Unmarshal(msg.Payload, &c)
			p.session(c.SessionID)
			start := ws.Message{Type: ws.MsgStartProcess, Payload: ws.StartProcessPayload{CSVData: csvData}}
			if err := conn.WriteJSON(start); err != nil {
				return false, fmt.Errorf("send job: %w", err)
			}

		case pipeline.EventProcessComplete:
			var c pipeline.CompletePayload
			if err := json.Unmarshal(msg.Payload, &c); err != nil {
				return false, fmt.Errorf("decode %s: %w", msg.Type, err)
			}
			p.complete(c)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return c.Success, nil

		default:
			p.event(msg.Type, msg.Payload)
		}
	}
}
