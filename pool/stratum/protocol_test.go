package stratum

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/starkforge/starkpool/pool/shares"
	"github.com/starkforge/starkpool/pool/store"
)

func TestResponseEncoding(t *testing.T) {
	data, err := json.Marshal(NewResponse(1, true))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"id":1,"result":true}` {
		t.Errorf("response = %s", data)
	}

	data, err = json.Marshal(NewErrorResponse(nil, ErrMissingID))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"id":null,"error":{"code":-32600,"message":"Invalid request: missing id"}}`
	if string(data) != want {
		t.Errorf("error response = %s, want %s", data, want)
	}
}

func TestSubscribeResultShape(t *testing.T) {
	data, err := json.Marshal(SubscribeResult("ab12"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `[[["mining.notify","ab12"]],"00000000",4]`
	if string(data) != want {
		t.Errorf("subscribe result = %s, want %s", data, want)
	}
}

func TestJobNotificationShape(t *testing.T) {
	job := &store.JobTemplate{
		ID:              "job1",
		BlockCommitment: store.HexBytes{0xab, 0xcd},
		Target:          store.HexBytes{0x00, 0xff},
		ShareTarget:     store.HexBytes{0x01, 0x02},
	}

	data, err := json.Marshal(NewJobNotification(job))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.ID != nil {
		t.Error("notification should carry a null id")
	}
	if msg.Method != MethodNotify {
		t.Errorf("method = %q", msg.Method)
	}

	var params NotifyParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("params decode failed: %v", err)
	}
	if params.JobID != "job1" || !params.CleanJobs {
		t.Errorf("params = %+v", params)
	}
	if !bytes.Contains(data, []byte(`"block_commitment":"abcd"`)) {
		t.Errorf("expected lowercase hex commitment in %s", data)
	}
}

func TestParseAuthorizeParams(t *testing.T) {
	tests := []struct {
		name     string
		params   string
		worker   string
		password string
		wantErr  *Error
	}{
		{"worker only", `["alice"]`, "alice", "", nil},
		{"worker and password", `["alice","x"]`, "alice", "x", nil},
		{"non-string password ignored", `["alice",7]`, "alice", "", nil},
		{"missing params", ``, "", "", ErrInvalidParams},
		{"not an array", `{"worker":"alice"}`, "", "", ErrInvalidParams},
		{"empty array", `[]`, "", "", ErrMissingWorker},
		{"non-string worker", `[42]`, "", "", ErrMissingWorker},
		{"empty worker", `[""]`, "", "", ErrMissingWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker, password, errObj := ParseAuthorizeParams(json.RawMessage(tt.params))
			if errObj != tt.wantErr {
				t.Fatalf("err = %v, want %v", errObj, tt.wantErr)
			}
			if worker != tt.worker || password != tt.password {
				t.Errorf("got (%q, %q), want (%q, %q)", worker, password, tt.worker, tt.password)
			}
		})
	}
}

func TestParseSubmitParams(t *testing.T) {
	sub := &shares.Submission{
		JobID:   "job1",
		MinerID: "alice",
		ShareType: shares.ShareType{ComputationProof: &shares.ComputationProofShare{
			Nonce:             42,
			WitnessCommitment: store.HexBytes{0x01},
			ComputationSteps:  100,
		}},
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	parsed, errObj := ParseSubmitParams(raw)
	if errObj != nil {
		t.Fatalf("ParseSubmitParams failed: %v", errObj)
	}
	if parsed.JobID != "job1" || parsed.MinerID != "alice" {
		t.Errorf("parsed = %+v", parsed)
	}
	if nonce, ok := parsed.ShareType.Nonce(); !ok || nonce != 42 {
		t.Errorf("nonce = (%d, %v)", nonce, ok)
	}
}

func TestParseSubmitParamsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   *Error
	}{
		{"missing", ``, ErrInvalidParams},
		{"not json", `nonsense`, ErrBadSubmission},
		{"no variant", `{"job_id":"j","miner_id":"m","share_type":{}}`, ErrBadSubmission},
		{"no job id", `{"miner_id":"m","share_type":{"ValidBlock":{"nonce":1,"proof":"00"}}}`, ErrBadSubmission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, errObj := ParseSubmitParams(json.RawMessage(tt.params)); errObj != tt.want {
				t.Errorf("err = %v, want %v", errObj, tt.want)
			}
		})
	}
}

func TestUnknownMethodText(t *testing.T) {
	e := UnknownMethod("mining.frobnicate")
	if e.Code != CodeUnknownMethod {
		t.Errorf("code = %d", e.Code)
	}
	if e.Message != "Unknown method: mining.frobnicate" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestSplitWorker(t *testing.T) {
	tests := []struct {
		in      string
		address string
		worker  string
	}{
		{"alice", "alice", "default"},
		{"alice.rig1", "alice", "rig1"},
		{"alice.", "alice", "default"},
		{".rig1", ".rig1", "default"},
		{"alice.rig.one", "alice", "rigone"},
	}

	for _, tt := range tests {
		address, worker := splitWorker(tt.in)
		if address != tt.address || worker != tt.worker {
			t.Errorf("splitWorker(%q) = (%q, %q), want (%q, %q)",
				tt.in, address, worker, tt.address, tt.worker)
		}
	}
}
