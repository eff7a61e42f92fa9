package mqtt

import (
	"io"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func completedToken(err error) *fakeToken {
	t := newFakeToken()
	t.complete(err)
	return t
}

func (t *fakeToken) complete(err error) {
	t.err = err
	close(t.done)
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type publication struct {
	topic   string
	payload []byte
	token   *fakeToken
}

// fakeClient stands in for paho. Connect completes immediately and runs the
// OnConnect handler synchronously unless connectBlocks is set.
type fakeClient struct {
	mu             sync.Mutex
	opts           *paho.ClientOptions
	connected      bool
	connectBlocks  bool
	failSubscribes int
	subscriptions  map[string]byte
	publications   []publication
	hold           map[string]bool
	disconnects    []uint
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscriptions: map[string]byte{}, hold: map[string]bool{}}
}

func (f *fakeClient) factory(o *paho.ClientOptions) paho.Client {
	f.opts = o
	return f
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() paho.Token {
	if f.connectBlocks {
		return newFakeToken()
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.opts.OnConnect(f)
	return completedToken(nil)
}

func (f *fakeClient) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects = append(f.disconnects, quiesce)
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := newFakeToken()
	f.publications = append(f.publications, publication{topic: topic, payload: payload.([]byte), token: tok})
	if !f.hold[topic] {
		tok.complete(nil)
	}
	return tok
}

func (f *fakeClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	return f.SubscribeMultiple(map[string]byte{topic: qos}, nil)
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, _ paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubscribes > 0 {
		f.failSubscribes--
		return completedToken(io.ErrUnexpectedEOF)
	}
	for k, v := range filters {
		f.subscriptions[k] = v
	}
	return completedToken(nil)
}

func (f *fakeClient) Unsubscribe(...string) paho.Token { return completedToken(nil) }

func (f *fakeClient) AddRoute(string, paho.MessageHandler) {}

func (f *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

// drop simulates a lost connection.
func (f *fakeClient) drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.opts.OnConnectionLost(f, err)
}

func (f *fakeClient) reconnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.opts.OnConnect(f)
}

func (f *fakeClient) deliver(topic string, payload string) {
	f.opts.DefaultPublishHandler(f, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (f *fakeClient) published(topic string) []publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publication
	for _, p := range f.publications {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func testConfig() *config.MQTTConfig {
	return &config.MQTTConfig{
		Host:                 "localhost",
		Port:                 1883,
		Scheme:               "tcp",
		ClientID:             "gateway-test",
		AccessToken:          "token",
		QoS:                  1,
		ConnectTimeout:       time.Second,
		WriteTimeout:         time.Second,
		SubscribeTimeout:     20 * time.Millisecond,
		KeepAlive:            30 * time.Second,
		MaxReconnectInterval: time.Second,
		DisconnectQuiesce:    250,
		TelemetryTopic:       "v1/devices/me/telemetry",
		LogTopic:             "v1/devices/me/telemetry",
		AttributeKeys:        []string{"sw_title", "sw_url", "sw_version"},
	}
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
