package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/epochstore/internal/flow"
	"github.com/snehjoshi/epochstore/internal/queue"
	"github.com/snehjoshi/epochstore/internal/queuestore"
	transportws "github.com/snehjoshi/epochstore/internal/transport/websocket"
	"github.com/snehjoshi/epochstore/internal/types"
)

// defaultRestoreCount caps GET /queues/{name}/elements when count is absent.
const defaultRestoreCount = 100

// Metadata limits, enforced on every write path.
const (
	metaMaxKeys     = 16
	metaMaxKeyBytes = 64
	metaMaxValBytes = 512
)

// validateMetadata returns a non-nil error if m violates any metadata limit.
func validateMetadata(m map[string]string) error {
	if len(m) > metaMaxKeys {
		return fmt.Errorf("metadata: too many keys (max %d)", metaMaxKeys)
	}
	for k, v := range m {
		if len(k) == 0 {
			return errors.New("metadata: key must not be empty")
		}
		if len(k) > metaMaxKeyBytes {
			return fmt.Errorf("metadata: key too long (max %d bytes)", metaMaxKeyBytes)
		}
		if len(v) > metaMaxValBytes {
			return fmt.Errorf("metadata: value too long (max %d bytes)", metaMaxValBytes)
		}
	}
	return nil
}

// validName rejects names that are empty, too long, or contain separators.
func validName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.ContainsAny(s, "/\\\x00") {
		return false
	}
	return s != "." && s != ".."
}

// Store is the part of the queue store the HTTP API drives.
type Store interface {
	transportws.Restorer
	queue.Store
	Queues() []types.QueueDescriptor
}

var _ Store = (*queuestore.Store)(nil)

// Handler groups all HTTP request handlers.
type Handler struct {
	store  Store
	queues *queue.Manager
	nodeID string
	start  time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type queueReq struct {
	Name            string `json:"name"`
	Parent          string `json:"parent"`
	PartitionKey    int32  `json:"partition_key"`
	ApplicationType int16  `json:"application_type"`
	QueueType       string `json:"queue_type"`
}

type queueListResp struct {
	Queues []types.QueueDescriptor `json:"queues"`
}

type persistReq struct {
	Sequence  *int64            `json:"sequence"`
	Body      string            `json:"body"` // base64, raw text accepted
	Metadata  map[string]string `json:"metadata"`
	Delayable bool              `json:"delayable"`
	Wait      bool              `json:"wait"`
}

type persistResp struct {
	Sequence    int64 `json:"sequence"`
	Tracking    int64 `json:"tracking,omitempty"`
	Durable     bool  `json:"durable"`
	FlowBlocked bool  `json:"flow_blocked,omitempty"`
}

type restoreResp struct {
	Elements []transportws.ElementFrame `json:"elements"`
	Next     int64                      `json:"next"`
}

type publishReq struct {
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata"`
	Persistent *bool             `json:"persistent"` // default true
	Wait       bool              `json:"wait"`
}

type deliveryResp struct {
	ID            string            `json:"id"`
	Sequence      int64             `json:"sequence"`
	Body          string            `json:"body"` // base64
	ReceiptHandle string            `json:"receipt_handle"`
	PublishedAt   int64             `json:"published_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type pollResp struct {
	Elements []deliveryResp `json:"elements"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Queues   int    `json:"queues"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.start)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Queues:   len(h.store.Queues()),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

// ─── Queue management ─────────────────────────────────────────────────────────

func (h *Handler) createQueue(w http.ResponseWriter, r *http.Request) {
	var req queueReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validName(req.Name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}
	qt, err := types.ParseQueueType(req.QueueType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := []types.DescriptorOption{
		types.WithApplicationType(req.ApplicationType),
		types.WithQueueType(qt),
	}
	if req.Parent != "" {
		opts = append(opts, types.WithParent(req.Parent, req.PartitionKey))
	}
	desc, err := types.NewQueueDescriptor(req.Name, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.store.AddQueue(desc); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueListResp{Queues: h.store.Queues()})
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.descriptor(w, r)
	if !ok {
		return
	}
	err := h.queues.Delete(desc.Name)
	if errors.Is(err, queue.ErrQueueNotFound) {
		err = h.store.DeleteQueue(desc)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Store elements ───────────────────────────────────────────────────────────

func (h *Handler) persistElement(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.descriptor(w, r)
	if !ok {
		return
	}
	var req persistReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Sequence == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sequence is required"})
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	g := &flow.Gauge{}
	op, err := h.store.PersistQueueElement(desc, g, queuestore.SaveableElement{
		Element: &types.Element{
			Body:        decodeBody(req.Body),
			Metadata:    req.Metadata,
			PublishedAt: time.Now().UnixMilli(),
			Persistent:  true,
		},
		Sequence: *req.Sequence,
	}, req.Delayable)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := persistResp{Sequence: op.Sequence(), FlowBlocked: g.Blocks() > 0}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if err := op.Wait(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	resp.Tracking, resp.Durable = op.Tracking(), true
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) restoreElements(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.descriptor(w, r)
	if !ok {
		return
	}
	req, err := transportws.ParseRestoreRequest(r.URL.Query(), defaultRestoreCount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := restoreResp{Elements: []transportws.ElementFrame{}, Next: -1}
	op, err := h.store.RestoreQueueElements(desc, req.RecordOnly, req.First, req.Max, req.Count,
		queuestore.RestoreListenerFunc(func(batch []queuestore.RestoredElement) {
			for _, re := range batch {
				resp.Elements = append(resp.Elements, transportws.EncodeRestored(re))
			}
		}))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := op.Wait(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	if n := len(resp.Elements); n > 0 {
		resp.Next = resp.Elements[n-1].NextSequence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteElement(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.descriptor(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sequence"})
		return
	}
	if err := h.store.DeleteQueueElement(desc, &types.Element{Sequence: seq}); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ─── Reference queue ──────────────────────────────────────────────────────────

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	q, ok := h.openQueue(w, r)
	if !ok {
		return
	}
	var req publishReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	persistent := req.Persistent == nil || *req.Persistent

	g := &flow.Gauge{}
	p, err := q.Publish(g, &types.Element{
		Body:       decodeBody(req.Body),
		Metadata:   req.Metadata,
		Persistent: persistent,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := persistResp{Sequence: p.Sequence, FlowBlocked: g.Blocks() > 0}
	if req.Wait && p.Save != nil {
		if err := p.Save.Wait(r.Context()); err != nil {
			writeStoreError(w, err)
			return
		}
		resp.Tracking, resp.Durable = p.Save.Tracking(), true
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	q, ok := h.openQueue(w, r)
	if !ok {
		return
	}
	n := parseIntParam(r, "n", 1)
	visTms := int64(parseIntParam(r, "visibility_timeout_ms", 0))

	ds := q.Poll(n, visTms)
	out := pollResp{Elements: make([]deliveryResp, 0, len(ds))}
	for _, d := range ds {
		out.Elements = append(out.Elements, deliveryResp{
			ID:            d.Element.ID,
			Sequence:      d.Element.Sequence,
			Body:          base64.StdEncoding.EncodeToString(d.Element.Body),
			ReceiptHandle: d.ReceiptHandle,
			PublishedAt:   d.Element.PublishedAt,
			Metadata:      d.Element.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	q, ok := h.openQueue(w, r)
	if !ok {
		return
	}
	if err := q.Ack(r.PathValue("receipt")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) nack(w http.ResponseWriter, r *http.Request) {
	q, ok := h.openQueue(w, r)
	if !ok {
		return
	}
	if err := q.Nack(r.PathValue("receipt")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) statsAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queues": h.queues.AllStats()})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// descriptor resolves the {name} path value to a registered descriptor.
func (h *Handler) descriptor(w http.ResponseWriter, r *http.Request) (types.QueueDescriptor, bool) {
	name := r.PathValue("name")
	if !validName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return types.QueueDescriptor{}, false
	}
	desc, err := h.store.Descriptor(name)
	if err != nil {
		writeStoreError(w, err)
		return types.QueueDescriptor{}, false
	}
	return desc, true
}

// openQueue returns the reference queue for {name}, opening it on first use.
func (h *Handler) openQueue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	desc, ok := h.descriptor(w, r)
	if !ok {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	q, err := h.queues.GetOrCreate(ctx, desc)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return q, true
}

func decodeBody(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	// Treat non-base64 as raw UTF-8 bytes.
	return []byte(s)
}

func parseIntParam(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// statusFor maps store and queue errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, queuestore.ErrUnknownQueue), errors.Is(err, queue.ErrQueueNotFound):
		return http.StatusNotFound
	case errors.Is(err, queuestore.ErrSequenceOrder), errors.Is(err, queue.ErrQueueExists):
		return http.StatusConflict
	case errors.Is(err, queuestore.ErrQueueDeleted), errors.Is(err, queue.ErrUnknownReceipt):
		return http.StatusGone
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, queuestore.ErrClosed), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
