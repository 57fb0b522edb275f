package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fleeterrors "github.com/vinayprograms/fleetlink/errors"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "n1/status", StatusTopic("n1"))
	assert.Equal(t, "n1", TaskTopic("n1"))
	assert.Equal(t, "+/status", StatusFilter)

	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"n1/status", "n1", true},
		{"0b8c-uuid/status", "0b8c-uuid", true},
		{"/status", "", false},
		{"a/b/status", "", false},
		{"n1", "", false},
		{"results", "", false},
	}
	for _, tt := range tests {
		id, ok := NodeIDFromStatusTopic(tt.topic)
		assert.Equal(t, tt.wantOK, ok, tt.topic)
		assert.Equal(t, tt.wantID, id, tt.topic)
		assert.Equal(t, tt.wantOK, IsStatusTopic(tt.topic), tt.topic)
	}
}

func TestValidNodeID(t *testing.T) {
	assert.True(t, ValidNodeID("n1"))
	assert.True(t, ValidNodeID("3f0c1f8e-6a1e-4d7e-9a57-7d2c2b0f4b11"))
	for _, id := range []string{"", "a/b", "+", "n#", "/"} {
		assert.False(t, ValidNodeID(id), "id %q", id)
	}
}

func TestStatus_IsFailure(t *testing.T) {
	assert.True(t, StatusOffline.IsFailure())
	assert.True(t, StatusDead.IsFailure())
	for _, s := range []Status{StatusConnected, StatusReady, StatusBusy, "charging", ""} {
		assert.False(t, s.IsFailure(), "status %q", s)
	}
}

func TestDecodeRegistration(t *testing.T) {
	r, err := DecodeRegistration([]byte(`{"node_id":"n1","device_type":"esp-32","status":"connected"}`))
	require.NoError(t, err)
	assert.Equal(t, Registration{NodeID: "n1", DeviceType: "esp-32", Status: StatusConnected}, r)

	r, err = DecodeRegistration([]byte(`{"node_id":"n2"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceType, r.DeviceType)
	assert.Equal(t, StatusConnected, r.Status)
}

func TestDecodeRegistration_Malformed(t *testing.T) {
	for _, payload := range []string{`not json`, `{"device_type":"esp-32"}`, `[]`, `null`, `{"node_id":"+"}`, `{"node_id":"a/b"}`} {
		_, err := DecodeRegistration([]byte(payload))
		require.Error(t, err, payload)
		assert.True(t, fleeterrors.Is(err, fleeterrors.ErrCodeMalformed), payload)
	}
}

func TestDecodeStatusUpdate(t *testing.T) {
	s, err := DecodeStatusUpdate("n1/status", []byte(`{"node_id":"n1","status":"dead"}`))
	require.NoError(t, err)
	assert.Equal(t, "n1", s.NodeID)
	assert.Equal(t, StatusDead, s.Status)
	assert.Empty(t, s.DeviceType)

	s, err = DecodeStatusUpdate("n2/status", []byte(`{"node_id":"n2","status":"ready","device_type":"rpi"}`))
	require.NoError(t, err)
	assert.Equal(t, "rpi", s.DeviceType)
}

func TestDecodeStatusUpdate_Malformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":   `{"node_id":`,
		"missing id":     `{"status":"dead"}`,
		"missing status": `{"node_id":"n1"}`,
		"wildcard id":    `{"node_id":"#","status":"dead"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeStatusUpdate("n1/status", []byte(payload))
			require.Error(t, err)
			fe := fleeterrors.AsFleetError(err)
			require.NotNil(t, fe)
			assert.Equal(t, fleeterrors.ErrCodeMalformed, fe.Code())
			assert.Equal(t, "n1/status", fe.Topic())
		})
	}
}

func TestIsRetainedClear(t *testing.T) {
	assert.True(t, IsRetainedClear(nil))
	assert.True(t, IsRetainedClear([]byte("  \n")))
	assert.False(t, IsRetainedClear([]byte(`{}`)))
}

func TestInitTask(t *testing.T) {
	now := time.Unix(1700000000, 500000000)
	task := NewInitTask(now)

	assert.Equal(t, "0", task.TaskID)
	assert.True(t, task.IsInit())
	assert.InDelta(t, 1700000000.5, task.CurrentTime, 1e-6)

	data, err := task.Marshal()
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "0", wire["task_id"])
	assert.Equal(t, map[string]interface{}{"command": "init"}, wire["task_info"])

	decoded, err := DecodeTask("n1", data)
	require.NoError(t, err)
	assert.True(t, decoded.IsInit())
}

func TestTask_MethodsOnReturnedValues(t *testing.T) {
	decode := func(payload string) Task {
		task, _ := DecodeTask("n1", []byte(payload))
		return task
	}

	assert.True(t, NewInitTask(time.Now()).IsInit())
	assert.Equal(t, CommandInit, NewInitTask(time.Now()).Command())
	assert.False(t, decode(`{"task_id":"7","task_info":{"command":"blink"}}`).IsInit())
	assert.Equal(t, "", Task{}.Command())

	data, err := NewInitTask(time.Unix(0, 0)).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"0"`)
}

func TestTask_Command(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"task_id":"7","task_info":{"command":"blink","times":3}}`, "blink"},
		{`{"task_id":"7","task_info":"just a string"}`, ""},
		{`{"task_id":"7"}`, ""},
		{`{"task_id":"7","task_info":{"command":42}}`, ""},
	}
	for _, tt := range tests {
		task, err := DecodeTask("n1", []byte(tt.payload))
		require.NoError(t, err)
		assert.Equal(t, tt.want, task.Command(), tt.payload)
	}

	_, err := DecodeTask("n1", []byte("garbage"))
	assert.True(t, fleeterrors.Is(err, fleeterrors.ErrCodeMalformed))
}
