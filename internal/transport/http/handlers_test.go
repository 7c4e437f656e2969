package http_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snehjoshi/epochstore/internal/config"
	"github.com/snehjoshi/epochstore/internal/metrics"
	"github.com/snehjoshi/epochstore/internal/node"
	"github.com/snehjoshi/epochstore/internal/queue"
	"github.com/snehjoshi/epochstore/internal/queuestore"
	"github.com/snehjoshi/epochstore/internal/storage/local"
	transphttp "github.com/snehjoshi/epochstore/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, mutate ...func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	for _, m := range mutate {
		m(cfg)
	}

	lc := local.DefaultConfig()
	lc.NodeID = node.MustNewID()
	eng, err := local.Open(cfg.Node.DataDir, lc)
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	reg := &metrics.Registry{}
	store, err := queuestore.New(eng, queuestore.WithMetrics(reg))
	if err != nil {
		t.Fatalf("queuestore.New: %v", err)
	}
	mgr := queue.NewManager(store, queue.DefaultConfig(), nil)
	t.Cleanup(func() {
		mgr.Close()
		_ = store.Close()
	})

	srv := transphttp.New(transphttp.Deps{
		Store:   store,
		Queues:  mgr,
		Metrics: reg,
		NodeID:  lc.NodeID,
	}, cfg)
	return srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func expect(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("want %d, got %d, body: %s", code, rr.Code, rr.Body)
	}
}

func createQueue(t *testing.T, h http.Handler, name string) {
	t.Helper()
	expect(t, doRequest(t, h, "POST", "/queues", map[string]any{"name": name}), http.StatusCreated)
}

func persist(t *testing.T, h http.Handler, queue string, seq int64, body string) {
	t.Helper()
	rr := doRequest(t, h, "POST", "/queues/"+queue+"/elements", map[string]any{
		"sequence": seq, "body": body, "wait": true,
	})
	expect(t, rr, http.StatusCreated)
}

type restored struct {
	Elements []struct {
		Sequence     int64  `json:"sequence"`
		NextSequence int64  `json:"next_sequence"`
		Tracking     int64  `json:"tracking"`
		Body         string `json:"body"`
	} `json:"elements"`
	Next int64 `json:"next"`
}

func restore(t *testing.T, h http.Handler, path string) restored {
	t.Helper()
	rr := doRequest(t, h, "GET", path, nil)
	expect(t, rr, http.StatusOK)
	var out restored
	decodeResp(t, rr, &out)
	return out
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	h := newTestServer(t)
	rr := doRequest(t, h, "GET", "/health", nil)
	expect(t, rr, http.StatusOK)
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["node_id"] == "" {
		t.Errorf("health: %v", resp)
	}
}

// ─── Queue management ─────────────────────────────────────────────────────────

func TestHTTP_CreateListDeleteQueue(t *testing.T) {
	h := newTestServer(t)

	rr := doRequest(t, h, "POST", "/queues", map[string]any{
		"name": "orders-p1", "parent": "orders", "partition_key": 1,
		"application_type": 3, "queue_type": "partitioned",
	})
	expect(t, rr, http.StatusCreated)

	rr = doRequest(t, h, "GET", "/queues", nil)
	expect(t, rr, http.StatusOK)
	var list struct {
		Queues []struct {
			Name      string `json:"name"`
			Parent    string `json:"parent"`
			QueueType int    `json:"queue_type"`
		} `json:"queues"`
	}
	decodeResp(t, rr, &list)
	if len(list.Queues) != 1 || list.Queues[0].Name != "orders-p1" || list.Queues[0].Parent != "orders" || list.Queues[0].QueueType != 2 {
		t.Fatalf("list: %+v", list.Queues)
	}

	expect(t, doRequest(t, h, "DELETE", "/queues/orders-p1", nil), http.StatusNoContent)
	expect(t, doRequest(t, h, "DELETE", "/queues/orders-p1", nil), http.StatusNotFound)
}

func TestHTTP_CreateQueue_Invalid(t *testing.T) {
	h := newTestServer(t)
	cases := []struct {
		desc string
		body map[string]any
	}{
		{"empty name", map[string]any{"name": ""}},
		{"path separator", map[string]any{"name": "a/b"}},
		{"negative application type", map[string]any{"name": "q", "application_type": -1}},
		{"unknown queue type", map[string]any{"name": "q", "queue_type": "ring"}},
		{"partitioned without parent", map[string]any{"name": "q", "queue_type": "partitioned"}},
		{"unknown field", map[string]any{"name": "q", "color": "red"}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			expect(t, doRequest(t, h, "POST", "/queues", tc.body), http.StatusBadRequest)
		})
	}
}

// ─── Store elements ───────────────────────────────────────────────────────────

func TestHTTP_PersistRestore(t *testing.T) {
	h := newTestServer(t)
	createQueue(t, h, "q")
	for seq, body := range []string{"zero", "one", "two"} {
		persist(t, h, "q", int64(seq), base64.StdEncoding.EncodeToString([]byte(body)))
	}

	all := restore(t, h, "/queues/q/elements")
	if len(all.Elements) != 3 || all.Next != -1 {
		t.Fatalf("restore all: %+v", all)
	}
	if b, _ := base64.StdEncoding.DecodeString(all.Elements[1].Body); string(b) != "one" {
		t.Errorf("body of seq 1: %q", b)
	}
	if all.Elements[0].NextSequence != 1 || all.Elements[2].NextSequence != -1 {
		t.Errorf("next pointers: %+v", all.Elements)
	}

	page := restore(t, h, "/queues/q/elements?count=2")
	if len(page.Elements) != 2 || page.Next != 2 {
		t.Fatalf("first page: %+v", page)
	}
	page = restore(t, h, "/queues/q/elements?count=2&first=2")
	if len(page.Elements) != 1 || page.Elements[0].Sequence != 2 {
		t.Fatalf("second page: %+v", page)
	}

	meta := restore(t, h, "/queues/q/elements?record_only=true")
	if meta.Elements[0].Body != "" || meta.Elements[0].Tracking == 0 {
		t.Errorf("record-only element: %+v", meta.Elements[0])
	}
}

func TestHTTP_PersistErrors(t *testing.T) {
	h := newTestServer(t)
	createQueue(t, h, "q")
	persist(t, h, "q", 5, "x")

	expect(t, doRequest(t, h, "POST", "/queues/q/elements", map[string]any{"sequence": 5, "body": "x"}), http.StatusConflict)
	expect(t, doRequest(t, h, "POST", "/queues/q/elements", map[string]any{"sequence": -1, "body": "x"}), http.StatusBadRequest)
	expect(t, doRequest(t, h, "POST", "/queues/q/elements", map[string]any{"body": "x"}), http.StatusBadRequest)
	expect(t, doRequest(t, h, "POST", "/queues/nope/elements", map[string]any{"sequence": 1, "body": "x"}), http.StatusNotFound)
	expect(t, doRequest(t, h, "GET", "/queues/q/elements?count=0", nil), http.StatusBadRequest)
	expect(t, doRequest(t, h, "GET", "/queues/q/elements?first=abc", nil), http.StatusBadRequest)
}

func TestHTTP_PersistAccepted(t *testing.T) {
	h := newTestServer(t)
	createQueue(t, h, "q")
	rr := doRequest(t, h, "POST", "/queues/q/elements", map[string]any{"sequence": 1, "body": "x", "delayable": true})
	expect(t, rr, http.StatusAccepted)

	// Restores are ordered behind earlier saves.
	if got := restore(t, h, "/queues/q/elements"); len(got.Elements) != 1 {
		t.Fatalf("accepted save not visible to a later restore: %+v", got)
	}
}

func TestHTTP_DeleteElement(t *testing.T) {
	h := newTestServer(t)
	createQueue(t, h, "q")
	persist(t, h, "q", 1, "a")
	persist(t, h, "q", 2, "b")

	expect(t, doRequest(t, h, "DELETE", "/queues/q/elements/1", nil), http.StatusAccepted)
	expect(t, doRequest(t, h, "DELETE", "/queues/q/elements/xyz", nil), http.StatusBadRequest)

	got := restore(t, h, "/queues/q/elements")
	if len(got.Elements) != 1 || got.Elements[0].Sequence != 2 {
		t.Fatalf("after delete: %+v", got)
	}
}

// ─── Reference queue ──────────────────────────────────────────────────────────

func TestHTTP_PublishPollAck(t *testing.T) {
	h := newTestServer(t)
	createQueue(t, h, "jobs")

	for _, body := range []string{"a", "b"} {
		rr := doRequest(t, h, "POST", "/queues/jobs/publish", map[string]any{"body": body, "wait": true})
		expect(t, rr, http.StatusCreated)
		var resp map[string]any
		decodeResp(t, rr, &resp)
		if resp["durable"] != true {
			t.Errorf("publish with wait not durable: %v", resp)
		}
	}

	rr := doRequest(t, h, "GET", "/queues/jobs/poll?n=10", nil)
	expect(t, rr, http.StatusOK)
	var polled struct {
		Elements []struct {
			Sequence      int64  `json:"sequence"`
			ReceiptHandle string `json:"receipt_handle"`
		} `json:"elements"`
	}
	decodeResp(t, rr, &polled)
	if len(polled.Elements) != 2 || polled.Elements[0].Sequence != 0 {
		t.Fatalf("poll: %+v", polled)
	}

	first := polled.Elements[0].ReceiptHandle
	expect(t, doRequest(t, h, "DELETE", "/queues/jobs/deliveries/"+first, nil), http.StatusNoContent)
	expect(t, doRequest(t, h, "DELETE", "/queues/jobs/deliveries/"+first, nil), http.StatusGone)
	expect(t, doRequest(t, h, "POST", "/queues/jobs/deliveries/"+polled.Elements[1].ReceiptHandle+"/nack", nil), http.StatusNoContent)

	// The acked element is gone from the store; the nacked one remains.
	got := restore(t, h, "/queues/jobs/elements")
	if len(got.Elements) != 1 || got.Elements[0].Sequence != 1 {
		t.Fatalf("store after ack: %+v", got)
	}

	rr = doRequest(t, h, "GET", "/api/stats", nil)
	expect(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"ready":1`) {
		t.Errorf("stats: %s", rr.Body)
	}
}

func TestHTTP_DeleteOpenQueue(t *testing.T) {
	h := newTestServer(t)
	createQueue(t, h, "jobs")
	expect(t, doRequest(t, h, "POST", "/queues/jobs/publish", map[string]any{"body": "a", "wait": true}), http.StatusCreated)

	expect(t, doRequest(t, h, "DELETE", "/queues/jobs", nil), http.StatusNoContent)
	expect(t, doRequest(t, h, "GET", "/queues/jobs/poll", nil), http.StatusNotFound)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "s3cret"
	})

	expect(t, doRequest(t, h, "GET", "/queues", nil), http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/queues", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	expect(t, rr, http.StatusOK)
}

func TestHTTP_RateLimit(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) {
		c.HTTP.RequestsPerSec = 1
		c.HTTP.RequestBurst = 1
	})
	expect(t, doRequest(t, h, "GET", "/health", nil), http.StatusOK)
	expect(t, doRequest(t, h, "GET", "/health", nil), http.StatusTooManyRequests)
}

func TestHTTP_BodyLimit(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) { c.HTTP.MaxBodyKB = 1 })
	createQueue(t, h, "q")
	rr := doRequest(t, h, "POST", "/queues/q/elements", map[string]any{
		"sequence": 1, "body": strings.Repeat("x", 4096),
	})
	expect(t, rr, http.StatusBadRequest)
}

func TestHTTP_Metrics(t *testing.T) {
	h := newTestServer(t)
	createQueue(t, h, "q")
	persist(t, h, "q", 1, "x")

	rr := doRequest(t, h, "GET", "/metrics", nil)
	expect(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, want := range []string{
		"epochstore_http_requests_total",
		`path="POST /queues/{name}/elements"`,
		"epochstore_elements_saved_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
