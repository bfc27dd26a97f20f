package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/blockspammer/internal/storage"
	"github.com/gateway-fm/blockspammer/pkg/types"
)

type fakeStatus struct {
	mu sync.Mutex
	st types.LiveStatus
}

func (f *fakeStatus) Status() types.LiveStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeStatus) set(st types.LiveStatus) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore returns a SQLite store holding one run with three outcomes.
func newTestStore(t *testing.T) (*storage.SQLiteStorage, types.RunID, common.Hash) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	id, err := store.CreateRun(ctx, &types.Run{Name: "smoke", TxsPerBlock: 3, NumBlocks: 1})
	if err != nil {
		t.Fatal(err)
	}
	hash := common.HexToHash("0xabc1")
	outcomes := []types.TxOutcome{
		{Status: types.OutcomeSent, TxHashes: []common.Hash{hash}, Metadata: types.Metadata{types.MetaKind: "eth-transfer"}},
		{Status: types.OutcomeSent, TxHashes: []common.Hash{common.HexToHash("0xabc2")}},
		{Status: types.OutcomeFailed, Error: "execution reverted"},
	}
	if err := store.PersistRunTxs(ctx, id, 10, outcomes); err != nil {
		t.Fatal(err)
	}
	return store, id, hash
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	cfg.Logger = quietLogger()
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRunEndpoints(t *testing.T) {
	store, id, hash := newTestStore(t)
	ts := newTestServer(t, Config{Store: store})

	var runs storage.PaginatedRuns
	if code := getJSON(t, ts.URL+"/v1/runs", &runs); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if runs.Total != 1 || len(runs.Runs) != 1 || runs.Runs[0].Name != "smoke" || runs.Limit != defaultRunsLimit {
		t.Errorf("runs = %+v", runs)
	}

	var run types.Run
	if code := getJSON(t, ts.URL+"/v1/runs/"+itoa(id), &run); code != http.StatusOK {
		t.Fatalf("detail status = %d", code)
	}
	if run.ID != id || run.Status != types.RunRunning {
		t.Errorf("run = %+v", run)
	}

	var txs storage.PaginatedRunTxs
	if code := getJSON(t, ts.URL+"/v1/runs/"+itoa(id)+"/txs?limit=2", &txs); code != http.StatusOK {
		t.Fatalf("txs status = %d", code)
	}
	if txs.Total != 3 || txs.Sent != 2 || txs.Failed != 1 || len(txs.Txs) != 2 || txs.Limit != 2 {
		t.Errorf("txs = %+v", txs)
	}

	var tx types.RunTx
	if code := getJSON(t, ts.URL+"/v1/txs/"+hash.Hex(), &tx); code != http.StatusOK {
		t.Fatalf("tx status = %d", code)
	}
	if tx.RunID != id || tx.FlushBlock != 10 || tx.Outcome.Kind() != "eth-transfer" {
		t.Errorf("tx = %+v", tx)
	}
}

func TestRunEndpointErrors(t *testing.T) {
	store, _, _ := newTestStore(t)
	ts := newTestServer(t, Config{Store: store})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing id", "/v1/runs/", http.StatusBadRequest},
		{"non-numeric id", "/v1/runs/abc", http.StatusBadRequest},
		{"zero id", "/v1/runs/0", http.StatusBadRequest},
		{"unknown run", "/v1/runs/999", http.StatusNotFound},
		{"unknown sub-resource", "/v1/runs/1/receipts", http.StatusNotFound},
		{"bad hash", "/v1/txs/0x1234", http.StatusBadRequest},
		{"unknown hash", "/v1/txs/" + common.HexToHash("0xdead").Hex(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := getJSON(t, ts.URL+tt.path, nil); code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, code, tt.want)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/runs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /v1/runs = %d, want 405", resp.StatusCode)
	}
}

func TestDeleteRun(t *testing.T) {
	store, id, hash := newTestStore(t)
	ts := newTestServer(t, Config{Store: store})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+itoa(id), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	if code := getJSON(t, ts.URL+"/v1/runs/"+itoa(id), nil); code != http.StatusNotFound {
		t.Errorf("run after delete = %d, want 404", code)
	}
	if code := getJSON(t, ts.URL+"/v1/txs/"+hash.Hex(), nil); code != http.StatusNotFound {
		t.Errorf("tx after delete = %d, want 404", code)
	}
}

func TestStorageDisabled(t *testing.T) {
	ts := newTestServer(t, Config{})

	for _, path := range []string{"/v1/runs", "/v1/runs/1", "/v1/runs/1/txs"} {
		if code := getJSON(t, ts.URL+path, nil); code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, code)
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	rpcDown := errors.New("connection refused")
	ts := newTestServer(t, Config{Checks: []HealthCheck{
		{Name: "storage", Check: func(context.Context) error { return nil }},
		{Name: "rpc", Check: func(context.Context) error { return rpcDown }},
	}})

	var health map[string]any
	if code := getJSON(t, ts.URL+"/health", &health); code != http.StatusOK || health["status"] != "healthy" {
		t.Errorf("health = %d %v", code, health)
	}

	var ready struct {
		Ready  bool             `json:"ready"`
		Checks []ReadinessCheck `json:"checks"`
	}
	if code := getJSON(t, ts.URL+"/ready", &ready); code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", code)
	}
	if ready.Ready || len(ready.Checks) != 2 {
		t.Fatalf("ready = %+v", ready)
	}
	if ready.Checks[0].Status != "ok" || ready.Checks[1].Status != "failed" || ready.Checks[1].Error != rpcDown.Error() {
		t.Errorf("checks = %+v", ready.Checks)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "spammer_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	status := &fakeStatus{st: types.LiveStatus{RunID: 4, State: types.StateStreaming, Sent: 12}}
	ts := newTestServer(t, Config{Status: status, Gatherer: reg})

	var st types.LiveStatus
	if code := getJSON(t, ts.URL+"/v1/status", &st); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if st.RunID != 4 || st.State != types.StateStreaming || st.Sent != 12 {
		t.Errorf("status = %+v", st)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "spammer_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed string
		origin  string
		want    string
	}{
		{"allow all", "*", "http://ui.local", "*"},
		{"listed origin", "http://a.local, http://ui.local", "http://ui.local", "http://ui.local"},
		{"unlisted origin", "http://a.local", "http://ui.local", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Config{CORSAllowedOrigins: tt.allowed})
			req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/status", nil)
			req.Header.Set("Origin", tt.origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("allow origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebSocketStatusStream(t *testing.T) {
	status := &fakeStatus{st: types.LiveStatus{RunID: 2, State: types.StateStreaming}}
	ts := newTestServer(t, Config{Status: status, BroadcastInterval: 10 * time.Millisecond})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first types.LiveStatus
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.RunID != 2 {
		t.Errorf("initial status = %+v", first)
	}

	status.set(types.LiveStatus{RunID: 2, State: types.StateDone, Sent: 9})
	for {
		var st types.LiveStatus
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("waiting for final status: %v", err)
		}
		if st.State == types.StateDone {
			if st.Sent != 9 {
				t.Errorf("final status = %+v", st)
			}
			return
		}
	}
}

func TestIsTxHash(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{common.HexToHash("0x01").Hex(), true},
		{"0x" + strings.Repeat("G", 64), false},
		{strings.Repeat("a", 66), false},
		{"0x1234", false},
	}
	for _, tt := range tests {
		if got := isTxHash(tt.in); got != tt.want {
			t.Errorf("isTxHash(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func itoa(id types.RunID) string {
	return strconv.FormatUint(uint64(id), 10)
}
