// Package websocket streams restored queue elements over a WebSocket.
//
// Clients open a WebSocket connection to:
//
//	GET /queues/{name}/restore/ws?first=&max=&count=&record_only=
//
// The server restores the requested range page by page and pushes one frame
// per page, then a final frame:
//
//	{"type":"batch","elements":[{"sequence":1,"next_sequence":2,...}, ...]}
//	{"type":"done","count":3,"next":-1}
//	{"type":"error","error":"..."}
//
// A client may stop the stream early by sending {"type":"cancel"} or by
// closing the connection.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochstore/internal/queuestore"
	"github.com/snehjoshi/epochstore/internal/types"
)

var upgrader = gorillaws.Upgrader{
	// Requests without an Origin header (native clients, curl) are allowed;
	// browser requests must come from the same host.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Restorer is the part of the queue store the stream needs.
type Restorer interface {
	Descriptor(name string) (types.QueueDescriptor, error)
	RestoreQueueElements(desc types.QueueDescriptor, recordOnly bool, firstSequence, maxSequence int64, maxCount int, listener queuestore.RestoreListener) (*queuestore.RestoreOp, error)
}

// Handler serves the restore stream. It reads the queue name from
// r.PathValue("name").
type Handler struct {
	Store Restorer
	// PageSize caps the elements per frame. Defaults to 128.
	PageSize int
	Logger   *slog.Logger
}

// ElementFrame is the wire form of one restored element.
type ElementFrame struct {
	Sequence     int64             `json:"sequence"`
	NextSequence int64             `json:"next_sequence"`
	Tracking     int64             `json:"tracking"`
	Size         int               `json:"size"`
	ID           string            `json:"id,omitempty"`
	Body         string            `json:"body,omitempty"` // base64
	Metadata     map[string]string `json:"metadata,omitempty"`
	PublishedAt  int64             `json:"published_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EncodeRestored converts a restored element to its wire form.
func EncodeRestored(re queuestore.RestoredElement) ElementFrame {
	f := ElementFrame{
		Sequence:     re.SequenceNumber(),
		NextSequence: re.NextSequenceNumber(),
		Tracking:     re.StoreTracking(),
		Size:         re.Size(),
	}
	mp, ok := re.(*queuestore.MetadataWithPayload)
	if !ok {
		return f
	}
	el, err := mp.Element()
	if err != nil {
		f.Error = err.Error()
		return f
	}
	f.ID = el.ID
	f.Body = base64.StdEncoding.EncodeToString(el.Body)
	f.Metadata = el.Metadata
	f.PublishedAt = el.PublishedAt
	return f
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type     string         `json:"type"` // "batch" | "done" | "error"
	Elements []ElementFrame `json:"elements,omitempty"`
	Count    int64          `json:"count,omitempty"`
	Next     *int64         `json:"next,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type string `json:"type"` // "cancel"
}

// RestoreRequest is a parsed restore range.
type RestoreRequest struct {
	First      int64
	Max        int64
	Count      int
	RecordOnly bool
}

// ParseRestoreRequest reads first, max, count, and record_only from q.
// Absent bounds default to -1 (unbounded) and count to def.
func ParseRestoreRequest(q url.Values, def int) (RestoreRequest, error) {
	req := RestoreRequest{First: -1, Max: -1, Count: def}
	var err error
	if v := q.Get("first"); v != "" {
		if req.First, err = strconv.ParseInt(v, 10, 64); err != nil {
			return req, fmt.Errorf("first: %w", err)
		}
	}
	if v := q.Get("max"); v != "" {
		if req.Max, err = strconv.ParseInt(v, 10, 64); err != nil {
			return req, fmt.Errorf("max: %w", err)
		}
	}
	if v := q.Get("count"); v != "" {
		if req.Count, err = strconv.Atoi(v); err != nil {
			return req, fmt.Errorf("count: %w", err)
		}
	}
	if v := q.Get("record_only"); v != "" {
		if req.RecordOnly, err = strconv.ParseBool(v); err != nil {
			return req, fmt.Errorf("record_only: %w", err)
		}
	}
	return req, nil
}

// ServeHTTP upgrades the connection and streams the restore.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := r.PathValue("name")

	desc, err := h.Store.Descriptor(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	req, err := ParseRestoreRequest(r.URL.Query(), -1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is required for close frames to be processed.
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if json.Unmarshal(raw, &cf) == nil && cf.Type == "cancel" {
				return
			}
		}
	}()

	count, next, err := h.stream(ctx, conn, desc, req)
	final := serverFrame{Type: "done", Count: count, Next: &next}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("ws restore failed", "queue", name, "err", err)
		final = serverFrame{Type: "error", Count: count, Error: err.Error()}
	}
	if err := writeFrame(conn, final); err != nil {
		return
	}
	_ = conn.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
}

// stream restores req page by page, writing one frame per page. Paging keeps
// the store's writers from waiting on the network.
func (h *Handler) stream(ctx context.Context, conn *gorillaws.Conn, desc types.QueueDescriptor, req RestoreRequest) (int64, int64, error) {
	page := h.PageSize
	if page <= 0 {
		page = 128
	}
	var (
		total int64
		first = req.First
		left  = req.Count
	)
	for {
		if ctx.Err() != nil {
			return total, first, ctx.Err()
		}
		n := page
		if left > 0 && left < n {
			n = left
		}
		var batch []queuestore.RestoredElement
		op, err := h.Store.RestoreQueueElements(desc, req.RecordOnly, first, req.Max, n,
			queuestore.RestoreListenerFunc(func(b []queuestore.RestoredElement) {
				batch = append(batch, b...)
			}))
		if err != nil {
			return total, first, err
		}
		if err := op.Wait(ctx); err != nil {
			return total, first, err
		}
		if len(batch) == 0 {
			return total, -1, nil
		}

		frame := serverFrame{Type: "batch", Elements: make([]ElementFrame, len(batch))}
		for i, re := range batch {
			frame.Elements[i] = EncodeRestored(re)
		}
		if err := writeFrame(conn, frame); err != nil {
			return total, first, err
		}

		total += int64(len(batch))
		next := batch[len(batch)-1].NextSequenceNumber()
		if left > 0 {
			left -= len(batch)
		}
		if next < 0 || (req.Max >= 0 && next > req.Max) || left == 0 {
			return total, next, nil
		}
		first = next
	}
}

func writeFrame(conn *gorillaws.Conn, f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
