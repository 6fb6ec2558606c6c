package stratum

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starkforge/starkpool/pool/coordinator"
	"github.com/starkforge/starkpool/pool/metrics"
	"github.com/starkforge/starkpool/pool/shares"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/verifier"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *coordinator.Coordinator) {
	t.Helper()

	ccfg := coordinator.DefaultConfig()
	ccfg.MinPayout = 1
	coord := coordinator.New(ccfg, store.NewMemStore(), verifier.New(nil))

	cfg.ListenAddr = "127.0.0.1:0"
	srv := NewServer(cfg, coord)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, coord
}

func dialMiner(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, id uint64, method string, params interface{}) {
	t.Helper()
	if err := conn.WriteJSON(Request{ID: id, Method: method, Params: params}); err != nil {
		t.Fatalf("WriteJSON(%s): %v", method, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return &msg
}

func seedServerJob(t *testing.T, coord *coordinator.Coordinator, id string) *store.JobTemplate {
	t.Helper()
	commitment := make(store.HexBytes, 32)
	commitment[0] = 0x42
	job := &store.JobTemplate{
		ID:              id,
		BlockCommitment: commitment,
		Target:          make(store.HexBytes, 32),
		ShareTarget:     bytes.Repeat([]byte{0xff}, 32),
		Timestamp:       time.Now().UTC(),
		Height:          7,
	}
	if err := coord.NewJob(context.Background(), job); err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

func honestSubmission(job *store.JobTemplate, nonce uint64) *shares.Submission {
	proof := verifier.New(nil).Generate(job.BlockCommitment, store.NonceRange{Start: nonce, End: nonce + 1}, 1)
	return &shares.Submission{
		JobID:   job.ID,
		MinerID: "from-wire",
		ShareType: shares.ShareType{ComputationProof: &shares.ComputationProofShare{
			Nonce:             nonce,
			WitnessCommitment: proof.WitnessCommitment,
			ComputationSteps:  proof.ComputationSteps,
		}},
	}
}

// authorize performs mining.authorize and drains the response plus the job
// and difficulty notifications that follow when a job is current.
func authorize(t *testing.T, conn *websocket.Conn, worker string, expectJob bool) {
	t.Helper()
	sendRequest(t, conn, 1, MethodAuthorize, []string{worker, "x"})

	resp := readFrame(t, conn)
	if resp.ID == nil || *resp.ID != 1 {
		t.Fatalf("authorize response id = %v", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("authorize error: %v", resp.Error)
	}
	if string(resp.Result) != "true" {
		t.Fatalf("authorize result = %s", resp.Result)
	}

	if expectJob {
		notify := readFrame(t, conn)
		if notify.Method != MethodNotify || notify.ID != nil {
			t.Fatalf("expected mining.notify after authorize, got %+v", notify)
		}
		diff := readFrame(t, conn)
		if diff.Method != MethodSetDifficulty || diff.ID != nil {
			t.Fatalf("expected mining.set_difficulty after authorize, got %+v", diff)
		}
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAuthorizeSendsJobAndDifficulty(t *testing.T) {
	srv, coord := newTestServer(t, DefaultConfig())
	job := seedServerJob(t, coord, "job1")
	conn := dialMiner(t, srv)

	sendRequest(t, conn, 1, MethodAuthorize, []string{"alice", "x"})

	resp := readFrame(t, conn)
	if resp.ID == nil || *resp.ID != 1 || string(resp.Result) != "true" {
		t.Fatalf("authorize response = %+v", resp)
	}

	notify := readFrame(t, conn)
	if notify.Method != MethodNotify {
		t.Fatalf("second frame method = %q, want mining.notify", notify.Method)
	}
	var params NotifyParams
	if err := json.Unmarshal(notify.Params, &params); err != nil {
		t.Fatalf("notify params: %v", err)
	}
	if params.JobID != job.ID || !bytes.Equal(params.BlockCommitment, job.BlockCommitment) {
		t.Errorf("notify params = %+v", params)
	}

	diff := readFrame(t, conn)
	if diff.Method != MethodSetDifficulty {
		t.Fatalf("third frame method = %q, want mining.set_difficulty", diff.Method)
	}
	var diffs []uint64
	if err := json.Unmarshal(diff.Params, &diffs); err != nil {
		t.Fatalf("difficulty params: %v", err)
	}
	if len(diffs) != 1 || diffs[0] != verifier.ShareDifficulty(job.ShareTarget) {
		t.Errorf("difficulty params = %v", diffs)
	}
}

func TestAuthorizeWithoutJobSendsOnlyResponse(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)

	authorize(t, conn, "alice", false)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("unexpected extra frame: %+v", msg)
	}
}

func TestAuthorizeRejectsBadAddress(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)

	sendRequest(t, conn, 1, MethodAuthorize, []string{"../etc/passwd", "x"})
	resp := readFrame(t, conn)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("response = %+v, want invalid params", resp)
	}

	sendRequest(t, conn, 2, MethodAuthorize, []interface{}{})
	resp = readFrame(t, conn)
	if resp.Error == nil || resp.Error.Message != "Missing worker name" {
		t.Fatalf("response = %+v, want missing worker", resp)
	}
}

func TestSubscribe(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)

	sendRequest(t, conn, 5, MethodSubscribe, []string{"starkminer/1.0"})
	resp := readFrame(t, conn)
	if resp.ID == nil || *resp.ID != 5 || resp.Error != nil {
		t.Fatalf("subscribe response = %+v", resp)
	}

	var result []interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result decode: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("result len = %d, want 3", len(result))
	}
	if result[1] != ExtraNonce1 {
		t.Errorf("extranonce1 = %v", result[1])
	}
	if result[2] != float64(ExtraNonce2Size) {
		t.Errorf("extranonce2 size = %v", result[2])
	}
}

func TestSubmitAcceptsThenRejectsDuplicate(t *testing.T) {
	srv, coord := newTestServer(t, DefaultConfig())
	job := seedServerJob(t, coord, "job1")
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", true)

	sub := honestSubmission(job, 42)
	sendRequest(t, conn, 2, MethodSubmit, sub)
	resp := readFrame(t, conn)
	if resp.Error != nil || string(resp.Result) != "true" {
		t.Fatalf("first submit = %+v", resp)
	}

	sendRequest(t, conn, 3, MethodSubmit, sub)
	resp = readFrame(t, conn)
	if resp.ID == nil || *resp.ID != 3 {
		t.Fatalf("duplicate response id = %v", resp.ID)
	}
	if resp.Error == nil || resp.Error.Code != CodeInternal || resp.Error.Message != "Duplicate share" {
		t.Fatalf("duplicate error = %+v", resp.Error)
	}
}

func TestSubmitUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", false)

	sub := &shares.Submission{
		JobID:   "deadbeef",
		MinerID: "alice",
		ShareType: shares.ShareType{ComputationProof: &shares.ComputationProofShare{
			Nonce:             1,
			WitnessCommitment: make(store.HexBytes, 32),
			ComputationSteps:  1,
		}},
	}
	sendRequest(t, conn, 2, MethodSubmit, sub)

	resp := readFrame(t, conn)
	if resp.Error == nil || resp.Error.Code != CodeInternal {
		t.Fatalf("response = %+v, want internal error", resp)
	}
	if !strings.HasPrefix(resp.Error.Message, "Job not found") {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestSubmitBeforeAuthorize(t *testing.T) {
	srv, coord := newTestServer(t, DefaultConfig())
	job := seedServerJob(t, coord, "job1")
	conn := dialMiner(t, srv)

	sendRequest(t, conn, 2, MethodSubmit, honestSubmission(job, 1))
	resp := readFrame(t, conn)
	if resp.Error == nil || resp.Error.Code != CodeInternal {
		t.Fatalf("response = %+v, want internal error", resp)
	}
	if !strings.HasPrefix(resp.Error.Message, "Miner not found: ") {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestSubmitUsesAuthorizedIdentity(t *testing.T) {
	srv, coord := newTestServer(t, DefaultConfig())
	job := seedServerJob(t, coord, "job1")
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice.rig1", true)

	// The frame claims a different miner; the session identity must win.
	sub := honestSubmission(job, 7)
	sub.MinerID = "mallory"
	sendRequest(t, conn, 2, MethodSubmit, sub)
	if resp := readFrame(t, conn); resp.Error != nil {
		t.Fatalf("submit failed: %v", resp.Error)
	}

	ctx := context.Background()
	stats, err := coord.MinerStats(ctx, "alice")
	if err != nil {
		t.Fatalf("MinerStats(alice): %v", err)
	}
	if stats.SharesSubmitted != 1 || stats.SharesValid != 1 {
		t.Errorf("alice stats = %+v", stats)
	}
	if _, err := coord.MinerStats(ctx, "mallory"); err == nil {
		t.Error("mallory should not exist")
	}
}

func TestSubmitRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubmitRate = 0.001
	cfg.SubmitBurst = 2
	srv, coord := newTestServer(t, cfg)
	job := seedServerJob(t, coord, "job1")
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", true)

	for i, nonce := range []uint64{1, 2} {
		sendRequest(t, conn, uint64(10+i), MethodSubmit, honestSubmission(job, nonce))
		if resp := readFrame(t, conn); resp.Error != nil {
			t.Fatalf("submit %d inside burst rejected: %v", i, resp.Error)
		}
	}

	sendRequest(t, conn, 12, MethodSubmit, honestSubmission(job, 3))
	resp := readFrame(t, conn)
	if resp.Error == nil || resp.Error.Message != "Rate limit exceeded" {
		t.Fatalf("expected rate limit error, got %+v", resp)
	}
}

func TestConnectionLimitPerIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnsPerIP = 1
	srv, _ := newTestServer(t, cfg)
	conn := dialMiner(t, srv)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err == nil {
		t.Fatal("second connection from the same IP was accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second dial response = %+v", resp)
	}
	resp.Body.Close()

	// Closing the first connection frees the slot.
	conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		c, r, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
		if err != nil {
			if r != nil {
				r.Body.Close()
			}
			return false
		}
		c.Close()
		return true
	}, "connection slot was not released")
}

func TestInvalidProofBansIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanThreshold = 1
	srv, coord := newTestServer(t, cfg)
	job := seedServerJob(t, coord, "job1")
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", true)

	bad := honestSubmission(job, 5)
	bad.ShareType.ComputationProof.WitnessCommitment = make(store.HexBytes, 32)
	sendRequest(t, conn, 10, MethodSubmit, bad)

	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 0 },
		"session stayed open after the ban")

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err == nil {
		t.Fatal("banned IP was allowed to reconnect")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reconnect response = %+v", resp)
	}
	resp.Body.Close()
}

func TestMalformedFramesKeepSessionAlive(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)

	// Not JSON at all.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readFrame(t, conn)
	if resp.ID != nil || resp.Error == nil || resp.Error.Message != "Invalid request" {
		t.Fatalf("garbage frame response = %+v", resp)
	}

	// Missing method, id present: the id is echoed back.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":7}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp = readFrame(t, conn)
	if resp.ID == nil || *resp.ID != 7 {
		t.Fatalf("missing-method response id = %v", resp.ID)
	}
	if resp.Error == nil || resp.Error.Message != "Invalid request: missing method" {
		t.Fatalf("missing-method error = %+v", resp.Error)
	}

	// Missing id: answered with a null id.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"mining.subscribe"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp = readFrame(t, conn)
	if resp.ID != nil || resp.Error == nil || resp.Error.Message != "Invalid request: missing id" {
		t.Fatalf("missing-id response = %+v", resp)
	}

	// The session survives all of the above.
	sendRequest(t, conn, 9, MethodSubscribe, []string{})
	resp = readFrame(t, conn)
	if resp.Error != nil || resp.ID == nil || *resp.ID != 9 {
		t.Fatalf("subscribe after garbage = %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)

	sendRequest(t, conn, 4, "mining.frobnicate", nil)
	resp := readFrame(t, conn)
	if resp.Error == nil || resp.Error.Code != CodeUnknownMethod {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Error.Message != "Unknown method: mining.frobnicate" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestGetStatus(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", false)

	sendRequest(t, conn, 4, MethodGetStatus, nil)
	resp := readFrame(t, conn)
	if resp.Error != nil {
		t.Fatalf("get_status error: %v", resp.Error)
	}

	var stats store.PoolStats
	if err := json.Unmarshal(resp.Result, &stats); err != nil {
		t.Fatalf("result decode: %v", err)
	}
	if stats.PoolFeePercent != 2.0 {
		t.Errorf("fee = %v", stats.PoolFeePercent)
	}
	if stats.ActiveMiners != 1 {
		t.Errorf("active miners = %d", stats.ActiveMiners)
	}
}

func TestBroadcastJobReachesAuthorizedSessions(t *testing.T) {
	srv, coord := newTestServer(t, DefaultConfig())
	seedServerJob(t, coord, "job1")

	alice := dialMiner(t, srv)
	bob := dialMiner(t, srv)
	watcher := dialMiner(t, srv)

	authorize(t, alice, "alice", true)
	authorize(t, bob, "bob", true)
	sendRequest(t, watcher, 1, MethodSubscribe, []string{})
	readFrame(t, watcher)

	job2 := seedServerJob(t, coord, "job2")
	srv.BroadcastJob(job2)

	for _, conn := range []*websocket.Conn{alice, bob} {
		notify := readFrame(t, conn)
		if notify.Method != MethodNotify {
			t.Fatalf("broadcast frame method = %q", notify.Method)
		}
		var params NotifyParams
		if err := json.Unmarshal(notify.Params, &params); err != nil {
			t.Fatalf("params: %v", err)
		}
		if params.JobID != "job2" {
			t.Errorf("job id = %q, want job2", params.JobID)
		}
	}

	// Subscribed but unauthorized sessions receive nothing.
	watcher.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg Message
	if err := watcher.ReadJSON(&msg); err == nil {
		t.Fatalf("watcher got unexpected frame: %+v", msg)
	}
}

func TestDisconnectUnregistersMiner(t *testing.T) {
	srv, coord := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)

	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 },
		"session never registered")

	authorize(t, conn, "alice", false)
	conn.Close()

	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 0 },
		"session never removed")

	waitFor(t, 2*time.Second, func() bool {
		stats, err := coord.MinerStats(context.Background(), "alice")
		return err == nil && !stats.IsActive
	}, "miner still active after disconnect")
}

func TestHTTPStats(t *testing.T) {
	srv, coord := newTestServer(t, DefaultConfig())
	seedServerJob(t, coord, "job1")
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", true)

	resp, err := http.Get("http://" + srv.Addr() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var stats store.PoolStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ActiveMiners != 1 || stats.PoolFeePercent != 2.0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHTTPMinerStats(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", false)

	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/api/stats/alice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats coordinator.MinerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Address != "alice" || !stats.IsActive {
		t.Errorf("stats = %+v", stats)
	}

	if resp, err := http.Get(base + "/api/stats/ghost"); err != nil {
		t.Fatalf("GET ghost: %v", err)
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("ghost status = %d, want 404", resp.StatusCode)
		}
	}

	if resp, err := http.Get(base + "/api/stats/bad..addr"); err != nil {
		t.Fatalf("GET bad: %v", err)
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("bad address status = %d, want 400", resp.StatusCode)
		}
	}
}

func TestHTTPHealthz(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics = metrics.New("strattest")
	srv, _ := newTestServer(t, cfg)

	conn := dialMiner(t, srv)
	authorize(t, conn, "alice", false)

	// A second round trip guarantees the authorize request has been counted
	// before the scrape.
	sendRequest(t, conn, 2, MethodGetStatus, nil)
	readFrame(t, conn)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Contains(body, []byte("strattest_connections_total 1")) {
		t.Error("expected connection counter in metrics output")
	}
	if !bytes.Contains(body, []byte(`strattest_requests_total{method="mining.authorize"} 1`)) {
		t.Error("expected authorize request counter in metrics output")
	}
}
