package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"malformed", ErrCodeMalformed, CategoryPermanent, false},
		{"not_found", ErrCodeNodeNotFound, CategoryPermanent, false},
		{"callback", ErrCodeCallbackFailed, CategoryInternal, false},
		{"transport", ErrCodeTransport, CategoryTransient, true},
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"unknown", ErrorCode("SOMETHING"), CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "msg")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	nf := NodeNotFound("n1")
	if nf.NodeID() != "n1" || nf.Error() != "node n1 not found" {
		t.Errorf("NodeNotFound = %q (node %q)", nf.Error(), nf.NodeID())
	}

	m := Malformed("n1/status", "missing node_id")
	if m.Topic() != "n1/status" {
		t.Errorf("Topic() = %q", m.Topic())
	}
	if m.Code() != ErrCodeMalformed {
		t.Errorf("Code() = %v", m.Code())
	}

	cause := fmt.Errorf("connection refused")
	tr := Transport("publish", cause)
	if !errors.Is(tr, cause) {
		t.Error("Transport should unwrap to its cause")
	}
	if tr.Metadata()["op"] != "publish" {
		t.Errorf("op metadata = %q", tr.Metadata()["op"])
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	inner := NodeNotFound("n2")
	outer := Wrap(inner, "send task")
	if outer.Code() != ErrCodeNodeNotFound {
		t.Errorf("wrapped code = %v", outer.Code())
	}
	if outer.NodeID() != "n2" {
		t.Errorf("wrapped node = %q", outer.NodeID())
	}
	if !Is(outer, ErrCodeNodeNotFound) {
		t.Error("Is should find NODE_NOT_FOUND")
	}

	if got := Wrap(context.DeadlineExceeded, "wait").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline -> %v", got)
	}
	if got := Wrap(context.Canceled, "wait").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled -> %v", got)
	}
	if got := Wrap(fmt.Errorf("boom"), "x").Code(); got != ErrCodeInternal {
		t.Errorf("plain -> %v", got)
	}
}

func TestIs_ThroughStdlibWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NodeNotFound("n3"))
	if !Is(err, ErrCodeNodeNotFound) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
	if Is(err, ErrCodeTransport) {
		t.Error("Is should not match a different code")
	}
	if Is(fmt.Errorf("plain"), ErrCodeInternal) {
		t.Error("plain errors have no code")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transport("connect", fmt.Errorf("refused"))) {
		t.Error("transport should be retryable")
	}
	if IsRetryable(Malformed("results", "bad json")) {
		t.Error("malformed should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := New(ErrCodeNodeNotFound, "node n1 not found",
		WithNodeID("n1"), WithTopic("n1"), WithMetadata("op", "send_task"),
		WithCause(fmt.Errorf("lookup")))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Code() != orig.Code() || got.NodeID() != "n1" || got.Topic() != "n1" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Metadata()["op"] != "send_task" {
		t.Errorf("metadata lost: %v", got.Metadata())
	}
	if got.Unwrap() == nil || got.Unwrap().Error() != "lookup" {
		t.Errorf("cause lost: %v", got.Unwrap())
	}
}
