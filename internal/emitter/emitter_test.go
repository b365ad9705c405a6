package emitter

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/BMS-GM/pick-point/internal/config"
	"github.com/BMS-GM/pick-point/internal/emitter/emittertest"
	"github.com/BMS-GM/pick-point/internal/types"
)

func mqttConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:   "localhost:1883",
		ClientID: "pickpoint-test",
		Topics: config.MQTTTopics{
			Events: "pickpoint/events/cell-a",
			Health: "pickpoint/health/cell-a",
		},
		QoS: map[string]byte{"events": 1, "health": 0},
	}
}

func TestReportPublishesPerCodeTopic(t *testing.T) {
	client := emittertest.NewClient()
	e := NewMQTTWithClient(mqttConfig(), client)

	e.Report(types.CodeCorrectObjectMoved, types.Item{Type: "cat"}, "cat removed")

	msgs := client.PublishedTo("pickpoint/events/cell-a/CORRECT_OBJECT_MOVED")
	if len(msgs) != 1 {
		t.Fatalf("published = %+v, want one message on the code topic", client.Published())
	}
	if msgs[0].QoS != 1 {
		t.Errorf("qos = %d, want 1", msgs[0].QoS)
	}

	var n Notification
	if err := json.Unmarshal(msgs[0].Payload, &n); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if n.Code != types.CodeCorrectObjectMoved || n.Name != "CORRECT_OBJECT_MOVED" || n.Item.Type != "cat" || n.Text != "cat removed" {
		t.Errorf("notification = %+v", n)
	}
	if n.Timestamp.IsZero() {
		t.Error("notification has no timestamp")
	}

	if st := e.Stats(); st.Published["pickpoint/events/cell-a/CORRECT_OBJECT_MOVED"] != 1 || st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPublishErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*emittertest.Client)
		want  string
	}{
		{"disconnected", func(c *emittertest.Client) { c.SetConnected(false) }, "not connected"},
		{"broker error", func(c *emittertest.Client) { c.PublishErr = errors.New("not authorized") }, "not authorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := emittertest.NewClient()
			tt.setup(client)
			e := NewMQTTWithClient(mqttConfig(), client)

			err := e.PublishHealth([]byte(`{}`))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("PublishHealth() = %v, want %q", err, tt.want)
			}
			if e.Stats().Errors != 1 {
				t.Errorf("errors = %d, want 1", e.Stats().Errors)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":      "tcp://localhost:1883",
		"ssl://broker:8883":   "ssl://broker:8883",
		"tcp://10.0.0.2:1883": "tcp://10.0.0.2:1883",
	}
	for in, want := range tests {
		if got := BrokerURL(in); got != want {
			t.Errorf("BrokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Report(types.CodeWrongObjectRemoved, types.Item{Type: "dog"}, "dog removed instead of cat")
	sink.Report(types.CodeCurrentRequestedObject, types.Item{Type: "cat"}, "requesting cat")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"level":"WARN"`) || !strings.Contains(lines[0], "WRONG_OBJECT_REMOVED") {
		t.Errorf("first line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"level":"INFO"`) {
		t.Errorf("second line = %s", lines[1])
	}
}

type countSink struct{ n int }

func (c *countSink) Report(types.Code, types.Item, string) { c.n++ }

func TestFanout(t *testing.T) {
	a, b := &countSink{}, &countSink{}
	Fanout{a, nil, b}.Report(types.CodeJobQueueEmpty, types.Item{}, "done")
	if a.n != 1 || b.n != 1 {
		t.Errorf("fanout delivered %d and %d, want 1 and 1", a.n, b.n)
	}
}

func TestHubDelivers(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe(4)
	defer cancel()

	h.Report(types.CodeCurrentRequestedObject, types.Item{Type: "cat"}, "requesting cat")

	select {
	case n := <-ch:
		if n.Code != types.CodeCurrentRequestedObject {
			t.Errorf("code = %v", n.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(0)
	_, cancel := h.Subscribe(1)

	for i := 0; i < 3; i++ {
		h.Report(types.CodeObjectNotFound, types.Item{Type: "cat"}, "cat not visible")
	}
	if h.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", h.Dropped())
	}

	cancel()
	cancel()
	if h.Subscribers() != 0 {
		t.Errorf("subscribers after cancel = %d", h.Subscribers())
	}
}

func TestHubKeepsRecent(t *testing.T) {
	h := NewHub(2)
	for _, code := range []types.Code{types.CodeCurrentRequestedObject, types.CodeObjectNotFound, types.CodeCorrectObjectMoved} {
		h.Report(code, types.Item{}, "")
	}

	recent := h.Recent()
	if len(recent) != 2 || recent[0].Code != types.CodeObjectNotFound || recent[1].Code != types.CodeCorrectObjectMoved {
		t.Errorf("recent = %+v", recent)
	}
}
