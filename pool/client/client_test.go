package client

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/starkforge/starkpool/pool/coordinator"
	"github.com/starkforge/starkpool/pool/shares"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/stratum"
	"github.com/starkforge/starkpool/pool/verifier"
)

func newPoolServer(t *testing.T, listenAddr string) (*stratum.Server, *coordinator.Coordinator) {
	t.Helper()

	ccfg := coordinator.DefaultConfig()
	ccfg.MinPayout = 1
	coord := coordinator.New(ccfg, store.NewMemStore(), verifier.New(nil))

	scfg := stratum.DefaultConfig()
	scfg.ListenAddr = listenAddr
	srv := stratum.NewServer(scfg, coord)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, coord
}

func seedPoolJob(t *testing.T, coord *coordinator.Coordinator, id string) *store.JobTemplate {
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

func newTestClient(t *testing.T, srv *stratum.Server) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolURL = "ws://" + srv.Addr() + "/"
	cfg.Address = "alice"
	cfg.WorkerName = "rig1"
	cfg.ReconnectInterval = 50 * time.Millisecond
	return New(cfg)
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

func TestStartAuthorizesAndReceivesJob(t *testing.T) {
	srv, coord := newPoolServer(t, "127.0.0.1:0")
	seedPoolJob(t, coord, "job1")

	c := newTestClient(t, srv)
	jobs := make(chan *Job, 4)
	c.OnJob = func(j *Job) { jobs <- j }

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	select {
	case job := <-jobs:
		if job.ID != "job1" {
			t.Errorf("job id = %q", job.ID)
		}
		if len(job.BlockCommitment) != 32 || job.BlockCommitment[0] != 0x42 {
			t.Errorf("commitment = %x", job.BlockCommitment)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no job received")
	}

	waitFor(t, 2*time.Second, c.Authorized, "client never authorized")
	if got := c.CurrentJob(); got == nil || got.ID != "job1" {
		t.Errorf("CurrentJob = %+v", got)
	}
}

func TestSubmitShareRoundTrip(t *testing.T) {
	srv, coord := newPoolServer(t, "127.0.0.1:0")
	job := seedPoolJob(t, coord, "job1")

	c := newTestClient(t, srv)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, 2*time.Second, c.Authorized, "client never authorized")

	proof := verifier.New(nil).Generate(job.BlockCommitment, store.NonceRange{Start: 42, End: 43}, 1)
	sub := &shares.Submission{
		JobID:   job.ID,
		MinerID: "alice",
		ShareType: shares.ShareType{ComputationProof: &shares.ComputationProofShare{
			Nonce:             42,
			WitnessCommitment: proof.WitnessCommitment,
			ComputationSteps:  proof.ComputationSteps,
		}},
	}

	ctx := context.Background()
	accepted, err := c.SubmitShare(ctx, sub)
	if err != nil || !accepted {
		t.Fatalf("SubmitShare = (%v, %v), want accepted", accepted, err)
	}

	// The same tuple again comes back as a pool-side rejection.
	if _, err := c.SubmitShare(ctx, sub); err == nil {
		t.Fatal("duplicate share accepted")
	} else if !strings.Contains(err.Error(), "Duplicate share") {
		t.Errorf("duplicate error = %v", err)
	}

	stats, err := coord.MinerStats(ctx, "alice")
	if err != nil {
		t.Fatalf("MinerStats: %v", err)
	}
	if stats.SharesValid != 1 || stats.WorkerName != "rig1" {
		t.Errorf("miner stats = %+v", stats)
	}
}

func TestSubmitShareRequiresAuthorization(t *testing.T) {
	c := New(DefaultConfig())
	if _, err := c.SubmitShare(context.Background(), &shares.Submission{}); err == nil {
		t.Fatal("expected error before authorization")
	}
}

func TestGetStatus(t *testing.T) {
	srv, _ := newPoolServer(t, "127.0.0.1:0")

	c := newTestClient(t, srv)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, 2*time.Second, c.Authorized, "client never authorized")

	stats, err := c.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if stats.PoolFeePercent != 2.0 {
		t.Errorf("fee = %v", stats.PoolFeePercent)
	}
}

func TestStartFailsWhenPoolUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolURL = "ws://127.0.0.1:1/"
	cfg.Address = "alice"
	cfg.DialTimeout = 500 * time.Millisecond

	if err := New(cfg).Start(); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestReconnectAfterPoolRestart(t *testing.T) {
	srv, _ := newPoolServer(t, "127.0.0.1:0")
	addr := srv.Addr()

	c := newTestClient(t, srv)
	jobs := make(chan *Job, 4)
	c.OnJob = func(j *Job) { jobs <- j }

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, 2*time.Second, c.Authorized, "client never authorized")

	srv.Stop()
	waitFor(t, 2*time.Second, func() bool { return !c.Connected() }, "client never noticed the drop")

	// A new pool comes up on the same address with a job ready; the client
	// should re-authorize and pick it up without intervention.
	srv2, coord2 := newPoolServer(t, addr)
	seedPoolJob(t, coord2, "job2")
	_ = srv2

	waitFor(t, 5*time.Second, c.Authorized, "client never re-authorized")

	select {
	case job := <-jobs:
		if job.ID != "job2" {
			t.Errorf("job after reconnect = %q, want job2", job.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no job after reconnect")
	}
}
