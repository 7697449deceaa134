package stratum

import (
	"testing"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":1,"method":"mining.subscribe","params":["cgminer/4.10"]}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if !msg.IsRequest() {
		t.Error("subscribe must parse as a request")
	}
	if msg.Method != "mining.subscribe" {
		t.Errorf("method = %q", msg.Method)
	}

	if _, err := ParseMessage([]byte(`{broken`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestParseSubmitRequest(t *testing.T) {
	params := []any{"alice.rig1", "0000000000000001", "00000000", "5f5e1000", "cafebabe"}
	req, err := ParseSubmitRequest(params)
	if err != nil {
		t.Fatalf("ParseSubmitRequest failed: %v", err)
	}
	if req.WorkerFullName != "alice.rig1" {
		t.Errorf("worker = %q", req.WorkerFullName)
	}
	if req.JobID != "0000000000000001" {
		t.Errorf("job id = %q", req.JobID)
	}
	if req.Nonce != "cafebabe" {
		t.Errorf("nonce = %q", req.Nonce)
	}

	if _, err := ParseSubmitRequest(params[:4]); err == nil {
		t.Error("short params must fail")
	}
	bad := []any{"a", "b", "c", "d", 5}
	if _, err := ParseSubmitRequest(bad); err == nil {
		t.Error("non-string nonce must fail")
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	user, _, err := ParseAuthorizeRequest([]any{"alice.rig1", "x"})
	if err != nil {
		t.Fatalf("ParseAuthorizeRequest failed: %v", err)
	}
	if user != "alice.rig1" {
		t.Errorf("user = %q", user)
	}

	// password is optional
	if _, _, err := ParseAuthorizeRequest([]any{"alice"}); err != nil {
		t.Errorf("single-param authorize failed: %v", err)
	}

	if _, _, err := ParseAuthorizeRequest(nil); err == nil {
		t.Error("empty params must fail")
	}
}

func TestSplitWorkerFullName(t *testing.T) {
	tests := []struct {
		full, user, worker string
	}{
		{"alice.rig1", "alice", "rig1"},
		{"alice", "alice", "default"},
		{"alice.", "alice", "default"},
		{"alice.rig.1", "alice", "rig.1"},
	}

	for _, tt := range tests {
		user, worker := splitWorkerFullName(tt.full)
		if user != tt.user || worker != tt.worker {
			t.Errorf("splitWorkerFullName(%q) = (%q, %q), want (%q, %q)",
				tt.full, user, worker, tt.user, tt.worker)
		}
	}
}

func TestWorkerNameToID_Stable(t *testing.T) {
	a := workerNameToID("alice.rig1")
	b := workerNameToID("alice.rig1")
	if a != b {
		t.Error("worker id must be stable")
	}
	if a == workerNameToID("alice.rig2") {
		t.Error("different workers must get different ids")
	}
}

func TestParseHexUint32(t *testing.T) {
	v, err := parseHexUint32("5f5e1000")
	if err != nil || v != 1600000000 {
		t.Errorf("parseHexUint32 = (%d, %v)", v, err)
	}

	for _, bad := range []string{"", "5f5e", "5f5e10001", "zzzzzzzz"} {
		if _, err := parseHexUint32(bad); err == nil {
			t.Errorf("%q must fail", bad)
		}
	}
}
