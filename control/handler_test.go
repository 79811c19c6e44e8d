package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeClient records publications and captures the subscription callback.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	published [][]byte
	topics    []string
	onMessage mqtt.MessageHandler
	subErr    error
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(_ string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.onMessage = cb
	c.mu.Unlock()
	return doneToken{err: c.subErr}
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return doneToken{} }

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.published = append(c.published, payload.([]byte))
	return doneToken{}
}

func (c *fakeClient) deliver(payload []byte) {
	c.mu.Lock()
	cb := c.onMessage
	c.mu.Unlock()
	cb(c, fakeMessage{payload: payload})
}

func (c *fakeClient) responses(t *testing.T, codec Codec) []Response {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Response, 0, len(c.published))
	for _, p := range c.published {
		var r Response
		if err := codec.Unmarshal(p, &r); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, r)
	}
	return out
}

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

var testTopics = Topics{Control: "lens/control/test", Status: "lens/status/test"}

func newTestHandler(t *testing.T, cb Callbacks) *Handler {
	t.Helper()
	h, err := NewHandler(&fakeClient{}, testTopics, 1, JSON, cb, nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestDispatch(t *testing.T) {
	var gotLevel float64
	var gotMode, gotFile string
	var gotUpload bool

	cb := Callbacks{
		OnGetStatus: func() map[string]any { return map[string]any{"state": "streaming"} },
		OnStart:     func() error { return nil },
		OnStop:      func() error { return errors.New("already stopped") },
		OnZoomIn:    func() (float64, error) { return 1.5, nil },
		OnZoomOut:   func() (float64, error) { return 1, nil },
		OnSetZoom: func(level float64) (float64, error) {
			gotLevel = level
			return level, nil
		},
		OnSetMode: func(mode string) (string, error) {
			gotMode = mode
			return mode, nil
		},
		OnSnapshot: func(filename string, upload bool) (string, error) {
			gotFile, gotUpload = filename, upload
			return "snap-1", nil
		},
	}
	h := newTestHandler(t, cb)

	tests := []struct {
		name       string
		cmd        Command
		wantStatus string
		wantErr    string
	}{
		{"get_status", Command{Command: "get_status"}, StatusSuccess, ""},
		{"start", Command{Command: "start"}, StatusSuccess, ""},
		{"stop error", Command{Command: "stop"}, StatusError, "already stopped"},
		{"zoom_in", Command{Command: "zoom_in"}, StatusSuccess, ""},
		{"zoom_out", Command{Command: "zoom_out"}, StatusSuccess, ""},
		{"set_zoom", Command{Command: "set_zoom", Params: map[string]any{"level": 2.5}}, StatusSuccess, ""},
		{"set_zoom missing level", Command{Command: "set_zoom"}, StatusError, "'level'"},
		{"set_zoom string level", Command{Command: "set_zoom", Params: map[string]any{"level": "2"}}, StatusError, "'level'"},
		{"set_mode", Command{Command: "set_mode", Params: map[string]any{"mode": "passthrough"}}, StatusSuccess, ""},
		{"set_mode missing", Command{Command: "set_mode"}, StatusError, "'mode'"},
		{"snapshot", Command{Command: "snapshot", Params: map[string]any{"filename": "a.jpg", "upload": true}}, StatusAccepted, ""},
		{"unknown", Command{Command: "reboot"}, StatusError, "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Dispatch(tt.cmd)
			if resp.CommandAck != tt.cmd.Command {
				t.Errorf("CommandAck = %q, want %q", resp.CommandAck, tt.cmd.Command)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q (error %q)", resp.Status, tt.wantStatus, resp.Error)
			}
			if tt.wantErr != "" && !strings.Contains(resp.Error, tt.wantErr) {
				t.Errorf("Error = %q, want it to contain %q", resp.Error, tt.wantErr)
			}
		})
	}

	if gotLevel != 2.5 || gotMode != "passthrough" || gotFile != "a.jpg" || !gotUpload {
		t.Errorf("callback args: level=%v mode=%q file=%q upload=%v", gotLevel, gotMode, gotFile, gotUpload)
	}
}

func TestDispatchNotImplemented(t *testing.T) {
	h := newTestHandler(t, Callbacks{})
	for _, name := range []string{"get_status", "start", "stop", "zoom_in", "zoom_out", "set_zoom", "set_mode", "snapshot"} {
		resp := h.Dispatch(Command{Command: name})
		if resp.Status != StatusError || !strings.Contains(resp.Error, "not implemented") {
			t.Errorf("%s: got %+v, want not implemented", name, resp)
		}
	}
}

func TestNumberParamAcceptsMsgpackIntegers(t *testing.T) {
	payload, err := Msgpack.Marshal(Command{Command: "set_zoom", Params: map[string]any{"level": 3}})
	if err != nil {
		t.Fatal(err)
	}
	var cmd Command
	if err := Msgpack.Unmarshal(payload, &cmd); err != nil {
		t.Fatal(err)
	}
	level, ok := numberParam(cmd.Params, "level")
	if !ok || level != 3 {
		t.Errorf("numberParam() = %v, %v; want 3, true (decoded %T)", level, ok, cmd.Params["level"])
	}
}

func TestHandlerRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			client := &fakeClient{}
			applied := make(chan float64, 1)
			h, err := NewHandler(client, testTopics, 1, codec, Callbacks{
				OnSetZoom: func(level float64) (float64, error) {
					applied <- level
					return level, nil
				},
			}, nil)
			if err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := h.Start(ctx); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}

			payload, _ := codec.Marshal(Command{Command: "set_zoom", Params: map[string]any{"level": 2.0}})
			client.deliver(payload)

			select {
			case lvl := <-applied:
				if lvl != 2 {
					t.Errorf("applied level = %v, want 2", lvl)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("command was not executed")
			}

			if err := h.Stop(); err != nil {
				t.Fatal(err)
			}

			resps := client.responses(t, codec)
			if len(resps) != 1 {
				t.Fatalf("published %d responses, want 1", len(resps))
			}
			r := resps[0]
			if r.CommandAck != "set_zoom" || r.Status != StatusSuccess {
				t.Errorf("response = %+v", r)
			}
			if _, err := time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
				t.Errorf("timestamp %q: %v", r.Timestamp, err)
			}
			t.Logf("✅ %s round trip: %+v", codec.Name(), r)
		})
	}
}

func TestMalformedCommand(t *testing.T) {
	client := &fakeClient{}
	h, err := NewHandler(client, testTopics, 0, JSON, Callbacks{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	client.deliver([]byte("{not json"))
	client.deliver([]byte(`{"params":{}}`))
	h.Stop()

	resps := client.responses(t, JSON)
	if len(resps) != 2 {
		t.Fatalf("published %d responses, want 2", len(resps))
	}
	for _, r := range resps {
		if r.Status != StatusError || r.CommandAck != "unknown" {
			t.Errorf("response = %+v, want error ack for unknown", r)
		}
	}
	if client.topics[0] != testTopics.Status {
		t.Errorf("published to %q, want %q", client.topics[0], testTopics.Status)
	}
}

func TestStartSubscribeError(t *testing.T) {
	client := &fakeClient{subErr: errors.New("not authorized")}
	h, _ := NewHandler(client, testTopics, 1, JSON, Callbacks{}, nil)
	if err := h.Start(context.Background()); err == nil {
		t.Error("Start() succeeded despite subscription error")
	}
}

func TestNewHandlerValidation(t *testing.T) {
	if _, err := NewHandler(nil, testTopics, 0, nil, Callbacks{}, nil); err == nil {
		t.Error("nil client accepted")
	}
	if _, err := NewHandler(&fakeClient{}, Topics{Control: "x"}, 0, nil, Callbacks{}, nil); err == nil {
		t.Error("missing status topic accepted")
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("CodecByName(xml) succeeded")
	}
}
