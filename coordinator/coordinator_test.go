package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/fleetlink/bus"
	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/protocol"
)

type harness struct {
	broker *bus.MemoryBroker
	coord  *Coordinator
	node   *bus.MemoryBus // stands in for node-side publishes
	logs   *bytes.Buffer
	logMu  *sync.Mutex
}

type lockedBuffer struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	broker := bus.NewMemoryBroker(bus.DefaultConfig())
	coordBus, err := broker.Connect(bus.ClientOptions{ClientID: "coordinator"})
	require.NoError(t, err)
	nodeBus, err := broker.Connect(bus.ClientOptions{ClientID: "test-node"})
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	mu := &sync.Mutex{}
	logger := logging.New()
	logger.SetOutput(lockedBuffer{mu: mu, buf: logs})

	cfg := Config{Bus: coordBus, Logger: logger}
	for _, m := range mutate {
		m(&cfg)
	}

	coord, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))

	t.Cleanup(func() {
		coord.Stop()
		nodeBus.Close()
		coordBus.Close()
	})

	return &harness{broker: broker, coord: coord, node: nodeBus, logs: logs, logMu: mu}
}

func (h *harness) publish(t *testing.T, topic string, v interface{}, opts ...bus.PublishOption) {
	t.Helper()
	var data []byte
	switch p := v.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	require.NoError(t, h.node.Publish(topic, data, opts...))
}

func (h *harness) status(t *testing.T, id string, s protocol.Status) {
	t.Helper()
	h.publish(t, protocol.StatusTopic(id), protocol.StatusUpdate{NodeID: id, Status: s},
		bus.Retain(), bus.WithQoS(bus.AtLeastOnce))
}

func (h *harness) logContains(s string) bool {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	return bytes.Contains(h.logs.Bytes(), []byte(s))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func receiveTask(t *testing.T, sub bus.Subscription) protocol.Task {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		task, err := protocol.DecodeTask(msg.Topic, msg.Payload)
		require.NoError(t, err)
		return task
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task")
	}
	return protocol.Task{}
}

// --- Lifecycle ---

func TestNew_RequiresBus(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoBus)
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.coord.Start(context.Background()), ErrAlreadyStarted)
}

func TestStop_ReleasesSubscriptions(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 1, h.broker.SubscriptionCount())

	require.NoError(t, h.coord.Stop())
	require.NoError(t, h.coord.Stop())
	assert.Equal(t, 0, h.broker.SubscriptionCount())
}

// --- Registration ---

func TestRegistration_RecordAndInitTask(t *testing.T) {
	h := newHarness(t)

	tasks, err := h.node.Subscribe("n1")
	require.NoError(t, err)

	h.publish(t, protocol.RegistrationTopic, protocol.Registration{NodeID: "n1", DeviceType: "esp-32", Status: protocol.StatusConnected})

	task := receiveTask(t, tasks)
	assert.Equal(t, protocol.InitTaskID, task.TaskID)
	assert.True(t, task.IsInit())
	assert.InDelta(t, protocol.UnixSeconds(time.Now()), task.CurrentTime, 5)

	nodes := h.coord.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].NodeID)
	assert.Equal(t, "esp-32", nodes[0].DeviceType)
	assert.Equal(t, protocol.StatusConnected, nodes[0].Status)
}

func TestRegistration_EveryRegistrationAnswered(t *testing.T) {
	h := newHarness(t)

	tasks, _ := h.node.Subscribe("n1")
	for i := 0; i < 3; i++ {
		h.publish(t, protocol.RegistrationTopic, protocol.Registration{NodeID: "n1"})
	}

	for i := 0; i < 3; i++ {
		task := receiveTask(t, tasks)
		assert.True(t, task.IsInit())
	}
	assert.Len(t, h.coord.Nodes(), 1)
}

func TestRegistration_Malformed(t *testing.T) {
	h := newHarness(t)

	h.publish(t, protocol.RegistrationTopic, "not json")
	h.publish(t, protocol.RegistrationTopic, `{"device_type":"esp-32"}`)
	h.publish(t, protocol.RegistrationTopic, protocol.Registration{NodeID: "ok"})

	eventually(t, func() bool { return len(h.coord.Nodes()) == 1 }, "valid registration processed")
	assert.True(t, h.logContains("message_dropped"))
	assert.True(t, h.logContains("MALFORMED_MESSAGE"))
}

// --- Status ---

func TestStatus_UnknownNodeCreatesRecord(t *testing.T) {
	h := newHarness(t)

	h.status(t, "n2", protocol.StatusReady)

	eventually(t, func() bool {
		rec, err := h.coord.Node("n2")
		return err == nil && rec.DeviceType == protocol.DefaultDeviceType && rec.Status == protocol.StatusReady
	}, "record for n2")
}

func TestStatus_DeadCallbackOnceAndRevive(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var calls [][]string
	h.coord.OnDead(func(ids []string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, ids)
		return nil
	})
	callCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(calls)
	}

	h.publish(t, protocol.RegistrationTopic, protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
	h.status(t, "n1", protocol.StatusDead)
	h.status(t, "n1", protocol.StatusDead)

	eventually(t, func() bool { return callCount() == 1 }, "dead callback")
	assert.Equal(t, []string{"n1"}, h.coord.DeadNodes())

	h.status(t, "n1", protocol.StatusReady)
	eventually(t, func() bool { return len(h.coord.DeadNodes()) == 0 }, "revival")

	mu.Lock()
	assert.Equal(t, [][]string{{"n1"}}, calls)
	mu.Unlock()
}

func TestStatus_LastWillMarksDead(t *testing.T) {
	h := newHarness(t)

	died := make(chan []string, 1)
	h.coord.OnDead(func(ids []string) error {
		died <- ids
		return nil
	})

	willPayload, _ := json.Marshal(protocol.StatusUpdate{NodeID: "n1", Status: protocol.StatusDead})
	node, err := h.broker.Connect(bus.ClientOptions{
		ClientID: "n1",
		Will:     &bus.Will{Topic: protocol.StatusTopic("n1"), Payload: willPayload, QoS: bus.AtLeastOnce, Retained: true},
	})
	require.NoError(t, err)

	reg, _ := json.Marshal(protocol.Registration{NodeID: "n1"})
	node.Publish(protocol.RegistrationTopic, reg)
	eventually(t, func() bool { return len(h.coord.Nodes()) == 1 }, "registered")

	node.Drop()

	select {
	case ids := <-died:
		assert.Equal(t, []string{"n1"}, ids)
	case <-time.After(time.Second):
		t.Fatal("no dead callback after unclean disconnect")
	}
}

func TestStatus_RetainedReplayAfterRestart(t *testing.T) {
	broker := bus.NewMemoryBroker(bus.DefaultConfig())
	node, _ := broker.Connect(bus.ClientOptions{ClientID: "n"})
	defer node.Close()

	for id, s := range map[string]protocol.Status{"a": protocol.StatusReady, "b": protocol.StatusDead} {
		data, _ := json.Marshal(protocol.StatusUpdate{NodeID: id, Status: s})
		node.Publish(protocol.StatusTopic(id), data, bus.Retain())
	}

	coordBus, _ := broker.Connect(bus.ClientOptions{ClientID: "coordinator"})
	defer coordBus.Close()
	coord, _ := New(Config{Bus: coordBus})

	var dead []string
	var mu sync.Mutex
	coord.OnDead(func(ids []string) error {
		mu.Lock()
		dead = append(dead, ids...)
		mu.Unlock()
		return nil
	})
	require.NoError(t, coord.Start(context.Background()))
	defer coord.Stop()

	eventually(t, func() bool { return len(coord.Nodes()) == 2 }, "nodes learnt from retained status")
	assert.Equal(t, []string{"b"}, coord.DeadNodes())
	mu.Lock()
	assert.Equal(t, []string{"b"}, dead)
	mu.Unlock()
}

func TestStatus_EmptyPayloadIgnored(t *testing.T) {
	h := newHarness(t)

	h.publish(t, protocol.StatusTopic("n1"), []byte{}, bus.Retain())
	h.status(t, "n2", protocol.StatusReady)

	eventually(t, func() bool { return len(h.coord.Nodes()) == 1 }, "n2 processed")
	assert.False(t, h.logContains("message_dropped"))
}

func TestStatus_MalformedDropped(t *testing.T) {
	h := newHarness(t)

	h.publish(t, protocol.StatusTopic("n1"), `{"node_id":"n1"}`)
	h.publish(t, protocol.StatusTopic("n1"), `garbage`)
	h.status(t, "n1", protocol.StatusBusy)

	eventually(t, func() bool {
		rec, err := h.coord.Node("n1")
		return err == nil && rec.Status == protocol.StatusBusy
	}, "valid status applied after malformed ones")
	assert.True(t, h.logContains("message_dropped"))
}

func TestStatus_CallbackFailureDoesNotStopProcessing(t *testing.T) {
	h := newHarness(t)

	h.coord.OnDead(func([]string) error { return errors.New("boom") })
	h.coord.OnDead(func([]string) error { panic("kaboom") })

	h.status(t, "n1", protocol.StatusDead)
	h.status(t, "n2", protocol.StatusReady)

	eventually(t, func() bool { return len(h.coord.Nodes()) == 2 }, "later message processed")
	assert.True(t, h.coord.Registry().IsDead("n1"))
	eventually(t, func() bool { return h.logContains("dead_callback_failed") }, "callback failure logged")
}

func TestStatus_DeadAfterRegistrationStaysDead(t *testing.T) {
	h := newHarness(t)

	const nodes = 200
	for i := 0; i < nodes; i++ {
		id := fmt.Sprintf("n%03d", i)
		h.publish(t, protocol.RegistrationTopic, protocol.Registration{NodeID: id})
		h.status(t, id, protocol.StatusDead)
		time.Sleep(200 * time.Microsecond)
	}

	eventually(t, func() bool { return len(h.coord.DeadNodes()) == nodes }, "every node dead")
	for _, rec := range h.coord.Nodes() {
		assert.Equal(t, protocol.StatusDead, rec.Status, rec.NodeID)
	}
}

func TestStatus_RetainedReplayBeyondBufferSize(t *testing.T) {
	broker := bus.NewMemoryBroker(bus.Config{BufferSize: 8})
	node, _ := broker.Connect(bus.ClientOptions{ClientID: "n"})
	defer node.Close()

	const nodes = 400
	for i := 0; i < nodes; i++ {
		id := fmt.Sprintf("n%03d", i)
		data, _ := json.Marshal(protocol.StatusUpdate{NodeID: id, Status: protocol.StatusReady})
		node.Publish(protocol.StatusTopic(id), data, bus.Retain())
	}

	coordBus, _ := broker.Connect(bus.ClientOptions{ClientID: "coordinator"})
	defer coordBus.Close()
	coord, _ := New(Config{Bus: coordBus})
	require.NoError(t, coord.Start(context.Background()))
	defer coord.Stop()

	eventually(t, func() bool { return len(coord.Nodes()) == nodes }, "every retained node learnt")
}

// --- Results ---

func TestResults_BufferAndClear(t *testing.T) {
	h := newHarness(t)

	h.publish(t, protocol.ResultsTopic, `{"task_id":"1","value":42}`)
	h.publish(t, protocol.ResultsTopic, `opaque bytes`)

	eventually(t, func() bool { return h.coord.PendingResults() == 2 }, "results buffered")

	batch := h.coord.Results()
	require.Len(t, batch, 2)
	assert.Equal(t, `{"task_id":"1","value":42}`, string(batch[0].Payload))
	assert.Equal(t, "opaque bytes", string(batch[1].Payload))

	h.publish(t, protocol.ResultsTopic, `late`)
	eventually(t, func() bool { return h.coord.PendingResults() == 1 }, "late result buffered")

	assert.Equal(t, 2, h.coord.ClearResults())
	rest := h.coord.Results()
	require.Len(t, rest, 1)
	assert.Equal(t, "late", string(rest[0].Payload))
}

// --- Dispatch ---

func TestSendTask_KnownNode(t *testing.T) {
	h := newHarness(t)

	tasks, _ := h.node.Subscribe("n1")
	h.status(t, "n1", protocol.StatusReady)
	eventually(t, func() bool { return len(h.coord.Nodes()) == 1 }, "node known")

	require.NoError(t, h.coord.SendTask(context.Background(), "n1", []byte(`{"task_id":"7"}`)))

	select {
	case msg := <-tasks.Messages():
		assert.Equal(t, `{"task_id":"7"}`, string(msg.Payload))
		assert.False(t, msg.Retained)
	case <-time.After(time.Second):
		t.Fatal("task not delivered")
	}
	_, retained := h.broker.Retained("n1")
	assert.False(t, retained, "task must not be retained")
}

func TestSendTask_UnknownNode(t *testing.T) {
	h := newHarness(t)

	tasks, _ := h.node.Subscribe("ghost")
	err := h.coord.SendTask(context.Background(), "ghost", []byte(`{}`))

	require.Error(t, err)
	assert.True(t, fleeterrors.Is(err, fleeterrors.ErrCodeNodeNotFound))

	select {
	case msg := <-tasks.Messages():
		t.Fatalf("unexpected publish: %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, h.logContains("task_not_sent"))
}

func TestDispatch_MarshalsTask(t *testing.T) {
	h := newHarness(t)

	tasks, _ := h.node.Subscribe("n1")
	h.status(t, "n1", protocol.StatusReady)
	eventually(t, func() bool { return len(h.coord.Nodes()) == 1 }, "node known")

	err := h.coord.Dispatch(context.Background(), "n1", protocol.Task{
		TaskID:   "42",
		TaskInfo: json.RawMessage(`{"command":"blink"}`),
	})
	require.NoError(t, err)

	task := receiveTask(t, tasks)
	assert.Equal(t, "42", task.TaskID)
	assert.Equal(t, "blink", task.Command())
}

// taskFailingBus refuses every publish on a node task channel.
type taskFailingBus struct {
	*bus.MemoryBus
}

func (b taskFailingBus) Publish(topic string, payload []byte, opts ...bus.PublishOption) error {
	if protocol.IsStatusTopic(topic) || topic == protocol.RegistrationTopic || topic == protocol.ResultsTopic {
		return b.MemoryBus.Publish(topic, payload, opts...)
	}
	return errors.New("broker unavailable")
}

func TestRegistration_InitTaskFailureKeepsNode(t *testing.T) {
	broker := bus.NewMemoryBroker(bus.DefaultConfig())
	coordBus, _ := broker.Connect(bus.ClientOptions{ClientID: "coordinator"})
	defer coordBus.Close()
	node, _ := broker.Connect(bus.ClientOptions{ClientID: "n"})
	defer node.Close()

	logs := &bytes.Buffer{}
	mu := &sync.Mutex{}
	logger := logging.New()
	logger.SetOutput(lockedBuffer{mu: mu, buf: logs})
	logContains := func(s string) bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Contains(logs.Bytes(), []byte(s))
	}

	coord, err := New(Config{Bus: taskFailingBus{coordBus}, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	defer coord.Stop()

	reg, _ := json.Marshal(protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
	require.NoError(t, node.Publish(protocol.RegistrationTopic, reg))

	eventually(t, func() bool { return logContains("init_task_failed") }, "init task failure logged")
	rec, err := coord.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, "esp-32", rec.DeviceType)
	assert.False(t, logContains("message_dropped"))
}

// --- Forget ---

func TestForget_RemovesAndRecreatesFresh(t *testing.T) {
	h := newHarness(t)

	h.publish(t, protocol.RegistrationTopic, protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
	h.status(t, "n1", protocol.StatusDead)
	eventually(t, func() bool { return h.coord.Registry().IsDead("n1") }, "n1 dead")

	require.NoError(t, h.coord.Forget(context.Background(), "n1"))
	assert.Empty(t, h.coord.Nodes())
	assert.Empty(t, h.coord.DeadNodes())

	_, err := h.coord.Node("n1")
	assert.True(t, fleeterrors.Is(err, fleeterrors.ErrCodeNodeNotFound))

	h.status(t, "n1", protocol.StatusReady)
	eventually(t, func() bool { return len(h.coord.Nodes()) == 1 }, "n1 recreated")

	rec, err := h.coord.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultDeviceType, rec.DeviceType)
	assert.Equal(t, protocol.StatusReady, rec.Status)
}

func TestForget_Unknown(t *testing.T) {
	h := newHarness(t)

	err := h.coord.Forget(context.Background(), "ghost")
	assert.True(t, fleeterrors.Is(err, fleeterrors.ErrCodeNodeNotFound))
	assert.True(t, h.logContains("forget_failed"))
}

func TestForget_PurgeRetained(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PurgeRetainedOnForget = true })

	h.status(t, "n1", protocol.StatusDead)
	eventually(t, func() bool { return len(h.coord.Nodes()) == 1 }, "n1 known")

	require.NoError(t, h.coord.Forget(context.Background(), "n1"))

	_, retained := h.broker.Retained(protocol.StatusTopic("n1"))
	assert.False(t, retained)

	// The purge travels back through +/status as an empty payload and is ignored.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.coord.Nodes())
}

// --- Concurrency ---

func TestConcurrentCallersDuringMessageHandling(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s := protocol.StatusReady
			if i%3 == 0 {
				s = protocol.StatusDead
			}
			h.status(t, "n1", s)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.coord.SendTask(context.Background(), "n1", []byte(`{}`))
			h.coord.Nodes()
			h.coord.DeadNodes()
		}
	}()
	wg.Wait()

	eventually(t, func() bool {
		rec, err := h.coord.Node("n1")
		return err == nil && rec.Status == protocol.StatusReady
	}, "final status applied")
	assert.False(t, h.coord.Registry().IsDead("n1"))
}
