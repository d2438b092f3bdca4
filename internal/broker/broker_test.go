package broker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/szegedai/distributed-adversarial-training/internal/dataloader"
	"github.com/szegedai/distributed-adversarial-training/internal/wireformat"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	datasetRegistry := dataloader.NewDatasetRegistry()
	datasetRegistry.Register("in_memory", dataloader.NewInMemoryDataset)

	dataloaderRegistry := dataloader.NewRegistry()
	dataloaderRegistry.Register("sequential", dataloader.NewSequentialDataloader)

	s := New(datasetRegistry, dataloaderRegistry)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func encodeSpec(t *testing.T, factory string, params interface{}) []byte {
	t.Helper()
	p, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	body, err := json.Marshal(map[string]json.RawMessage{
		"factory": json.RawMessage(`"` + factory + `"`),
		"params":  p,
	})
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	return body
}

func uint64Pair(a, b uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], a)
	binary.BigEndian.PutUint64(buf[8:], b)
	return buf
}

func doPost(t *testing.T, url, path string, body []byte) {
	t.Helper()
	resp, err := http.Post(url+path, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status = %d", path, resp.StatusCode)
	}
}

func setUpFullPipeline(t *testing.T, url string) {
	t.Helper()
	doPost(t, url, "/dataset", encodeSpec(t, "in_memory", map[string]interface{}{
		"batches": []map[string]string{
			{"x": "eA==", "y": "eQ=="},
			{"x": "eA==", "y": "eQ=="},
		},
	}))
	dlBody := append(encodeSpec(t, "sequential", map[string]interface{}{"shuffle": false}), uint64Pair(10, 5)...)
	doPost(t, url, "/dataloader", dlBody)
	doPost(t, url, "/attack", []byte(`{"factory":"linf_pgd"}`))
	doPost(t, url, "/model", append([]byte{1}, []byte(`{"factory":"in_memory"}`)...))
	doPost(t, url, "/model_state", []byte("weights-v1"))
}

func TestFullLifecycle_CleanBatchToAdvBatch(t *testing.T) {
	_, ts := newTestServer(t)
	setUpFullPipeline(t, ts.URL)

	resp, err := http.Get(ts.URL + "/clean_batch")
	if err != nil {
		t.Fatalf("GET /clean_batch: %v", err)
	}
	defer resp.Body.Close()
	cleanRaw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /clean_batch body: %v", err)
	}
	id, payload, err := wireformat.DecodeIDPrefixed(cleanRaw)
	if err != nil {
		t.Fatalf("decode /clean_batch: %v", err)
	}
	x, y, err := wireformat.DecodePair(payload)
	if err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	if string(x) != "x" || string(y) != "y" {
		t.Fatalf("clean batch = %q,%q; want x,y", x, y)
	}

	advBody := wireformat.EncodeIDPrefixed(id, wireformat.EncodePair([]byte("x-adv"), y))
	doPost(t, ts.URL, "/adv_batch", advBody)

	resp2, err := http.Get(ts.URL + "/adv_batch")
	if err != nil {
		t.Fatalf("GET /adv_batch: %v", err)
	}
	defer resp2.Body.Close()
	if got := resp2.Header.Get("X-Extra-Data"); got == "" {
		t.Fatalf("X-Extra-Data header missing on GET /adv_batch")
	}
	advRaw, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("read /adv_batch body: %v", err)
	}
	// GET /adv_batch carries no id prefix (spec §6); the id rode along on
	// the X-Extra-Data header checked above.
	advX, _, err := wireformat.DecodePair(advRaw)
	if err != nil {
		t.Fatalf("decode adv pair: %v", err)
	}
	if string(advX) != "x-adv" {
		t.Fatalf("adv batch x = %q; want x-adv", advX)
	}
}

func TestIDsNeverBlocksAtZero(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ids")
	if err != nil {
		t.Fatalf("GET /ids: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /ids body: %v", err)
	}
	if len(raw) != 24 {
		t.Fatalf("GET /ids: read %d bytes; want 24", len(raw))
	}
}

func TestAttackPostReassignsWorkingToFree(t *testing.T) {
	s, ts := newTestServer(t)
	setUpFullPipeline(t, ts.URL)

	resp, _ := http.Get(ts.URL + "/clean_batch")
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	_, _, err := wireformat.DecodeIDPrefixed(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	free, working, _ := s.Queue.Snapshot()
	if working != 1 {
		t.Fatalf("working = %d before attack change; want 1", working)
	}

	doPost(t, ts.URL, "/attack", []byte(`{"factory":"linf_pgd","params":{"eps":4}}`))

	free2, working2, _ := s.Queue.Snapshot()
	if working2 != 0 || free2 != free+1 {
		t.Fatalf("after attack POST: free=%d working=%d; want free=%d working=0", free2, working2, free+1)
	}
}

func TestResetReturnsToFreshState(t *testing.T) {
	s, ts := newTestServer(t)
	setUpFullPipeline(t, ts.URL)

	doPost(t, ts.URL, "/reset", nil)

	if s.Driver.Installed() {
		t.Fatalf("Driver.Installed() after /reset = true; want false")
	}
	if a, m, st := s.Versions.IDs(); a != 0 || m != 0 || st != 0 {
		t.Fatalf("Versions.IDs() after /reset = %d,%d,%d; want 0,0,0", a, m, st)
	}
	if _, ok := s.attack.Get(); ok {
		t.Fatalf("attack blob after /reset: ok = true; want false")
	}
}

func TestDataloaderBeforeDatasetRejected(t *testing.T) {
	_, ts := newTestServer(t)
	dlBody := append(encodeSpec(t, "sequential", map[string]interface{}{}), uint64Pair(1, 1)...)
	resp, err := http.Post(ts.URL+"/dataloader", "application/octet-stream", bytes.NewReader(dlBody))
	if err != nil {
		t.Fatalf("POST /dataloader: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("POST /dataloader before /dataset: status = %d; want 500", resp.StatusCode)
	}
}

func TestCleanBatchGetBlocksUntilDataArrives(t *testing.T) {
	_, ts := newTestServer(t)
	client := &http.Client{Timeout: 3 * time.Second}

	done := make(chan struct{})
	go func() {
		resp, err := client.Get(ts.URL + "/clean_batch")
		if err == nil {
			resp.Body.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("GET /clean_batch returned before any data was ever produced")
	case <-time.After(600 * time.Millisecond):
	}

	setUpFullPipeline(t, ts.URL)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("GET /clean_batch never returned after setup completed")
	}
}

func TestRateLimitMiddlewareRejectsOverBurst(t *testing.T) {
	datasetRegistry := dataloader.NewDatasetRegistry()
	dataloaderRegistry := dataloader.NewRegistry()
	s := New(datasetRegistry, dataloaderRegistry, WithRateLimit(1, 1))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var lastStatus int
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/ids")
		if err != nil {
			t.Fatalf("GET /ids: %v", err)
		}
		lastStatus = resp.StatusCode
		resp.Body.Close()
		if lastStatus == http.StatusTooManyRequests {
			break
		}
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("never saw 429 after exceeding burst; last status = %d", lastStatus)
	}
}

func TestHealthBypassesRateLimit(t *testing.T) {
	datasetRegistry := dataloader.NewDatasetRegistry()
	dataloaderRegistry := dataloader.NewRegistry()
	s := New(datasetRegistry, dataloaderRegistry, WithRateLimit(0.001, 1))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /health: status = %d; want 200 always", resp.StatusCode)
		}
	}
}

func TestRunReaperReclaimsStaleBatches(t *testing.T) {
	s, ts := newTestServer(t)
	setUpFullPipeline(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.RunReaper(ctx)

	resp, _ := http.Get(ts.URL + "/clean_batch")
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(raw) < 8 {
		t.Fatalf("GET /clean_batch returned %d bytes", len(raw))
	}

	// Dispatched at model_state_id 1 with max_patience 10: 11 bumps put
	// it 11 versions behind, past the patience limit.
	for i := 0; i < 11; i++ {
		s.Versions.BumpModelState()
	}

	// The reaper ticks on reaper.DefaultInterval (2s); give it a few
	// ticks' worth of headroom before declaring it stuck.
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		free, working, _ := s.Queue.Snapshot()
		// queue_limit=5 primed batches, all back in free once reclaimed.
		if free == 5 && working == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("reaper never reclaimed the stale batch")
}
