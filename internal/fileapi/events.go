package fileapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jotsync/jotsync/internal/version"
)

type ChangeOp string

const (
	ChangePut    ChangeOp = "put"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is pushed by jotsync-server on the V1Events feed after every
// successful mutation of the served tree.
type ChangeEvent struct {
	Op   ChangeOp `json:"op"`
	Path string   `json:"path"`
	Time int64    `json:"time"`
}

// Events subscribes to the server's change feed. The returned channel is
// closed when ctx is done or the connection drops.
func (d *ServerDriver) Events(ctx context.Context) (<-chan ChangeEvent, error) {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	conn, resp, err := websocket.Dial(ctx, d.baseURL+V1Events, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			code := CodeInternalError
			if resp.StatusCode == http.StatusUnauthorized {
				code = CodeUnauthorized
			}
			return nil, fmt.Errorf("events: %w", NewAPIError(resp.StatusCode, code, resp.Status))
		}
		return nil, fmt.Errorf("events: %w", err)
	}

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		defer conn.CloseNow()

		for {
			var ev ChangeEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
					slog.Warn("events feed closed", "error", err)
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
