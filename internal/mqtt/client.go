// Package mqtt provides the ThingsBoard session: one authenticated broker
// connection with delivery tracking and inbound control dispatch.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

// ClientFactory builds the underlying paho client from the prepared
// options.
type ClientFactory func(*paho.ClientOptions) paho.Client

// ConnectionListener is told about every transition between connected
// (handshake completed) and disconnected.
type ConnectionListener func(connected bool, err error)

// Option configures a Session.
type Option func(*Session)

// WithClientFactory replaces paho.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Session) { s.factory = f }
}

// WithConnectionListener registers fn for connectivity transitions.
func WithConnectionListener(fn ConnectionListener) Option {
	return func(s *Session) { s.listeners = append(s.listeners, fn) }
}

// Session manages the broker connection, publish handles and the control
// plane subscriptions.
type Session struct {
	cfg       *config.MQTTConfig
	log       *log.Logger
	client    paho.Client
	factory   ClientFactory
	router    *Router
	listeners []ConnectionListener

	mu         sync.RWMutex
	ready      bool
	generation uuid.UUID
	seq        uint64
	inflight   map[uint64]paho.Token

	handlerMu    sync.RWMutex
	rpc          map[string]RPCHandler
	onDescriptor func(message.Descriptor)

	attributeSeq atomic.Uint64
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewSession prepares a session. No connection is made until Connect.
func NewSession(cfg *config.MQTTConfig, logger *log.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:      cfg,
		log:      logger,
		factory:  paho.NewClient,
		router:   &Router{},
		inflight: make(map[uint64]paho.Token),
		rpc:      make(map[string]RPCHandler),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Handle(TopicAttributeResponse, s.handleAttributes)
	s.router.Handle(TopicRPCRequest, s.handleRPC)
	s.router.Handle(TopicAttributes, s.handleAttributes)
	s.HandleRPC("ping", func(context.Context, json.RawMessage) (interface{}, error) {
		return "pong", nil
	})

	clientOpts, err := s.clientOptions()
	if err != nil {
		return nil, err
	}
	s.client = s.factory(clientOpts)
	return s, nil
}

func (s *Session) clientOptions() (*paho.ClientOptions, error) {
	cfg := s.cfg
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.AccessToken)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(cfg.WriteTimeout)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		s.dispatch(msg.Topic(), msg.Payload())
	})
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		s.log.Info("MQTT reconnecting...")
	})
	opts.SetOnConnectHandler(s.onConnect)

	if cfg.Scheme == "ssl" {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// newTLSConfig creates a TLS configuration from MQTT config
func newTLSConfig(cfg *config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkip, // #nosec G402 - configurable for testing environments
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Connect starts connecting. It waits up to the connect timeout for the
// first connection; when the broker is unreachable the client keeps
// retrying in the background and Connect returns nil.
func (s *Session) Connect(ctx context.Context) error {
	s.log.Info("connecting to %s as %s", s.cfg.BrokerURL(), s.cfg.ClientID)
	token := s.client.Connect()

	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		return nil
	case <-timer.C:
		err := errors.New("mqtt connection timeout")
		s.log.Warn("broker unreachable, retrying in background: %v", err)
		s.notify(false, err)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onConnect runs the handshake after every (re)connection: subscribe the
// control topics, request the shared attributes, then mark the session
// ready under a fresh generation.
func (s *Session) onConnect(c paho.Client) {
	for {
		err := s.subscribeControl(c)
		if err == nil {
			break
		}
		s.log.Error("subscribing control topics: %v", err)
		select {
		case <-s.stop:
			return
		case <-time.After(s.cfg.SubscribeTimeout):
		}
		if !c.IsConnectionOpen() {
			return
		}
	}

	s.mu.Lock()
	s.ready = true
	s.generation = uuid.New()
	s.inflight = make(map[uint64]paho.Token)
	generation := s.generation
	s.mu.Unlock()

	s.log.InfoWithFields(map[string]interface{}{"generation": generation.String()},
		"MQTT connected successfully")
	s.notify(true, nil)

	if err := s.RequestAttributes(context.Background()); err != nil {
		s.log.Warn("requesting shared attributes: %v", err)
	}
}

func (s *Session) subscribeControl(c paho.Client) error {
	filters := make(map[string]byte)
	for _, p := range s.router.Patterns() {
		filters[p] = s.cfg.QoS
	}
	token := c.SubscribeMultiple(filters, nil)
	if !token.WaitTimeout(s.cfg.SubscribeTimeout) {
		return fmt.Errorf("mqtt control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to control topics: %w", err)
	}
	return nil
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	s.mu.Lock()
	s.ready = false
	s.generation = uuid.New()
	s.inflight = make(map[uint64]paho.Token)
	s.mu.Unlock()

	s.log.Error("MQTT connection lost: %v", err)
	s.notify(false, err)
}

func (s *Session) notify(connected bool, err error) {
	for _, fn := range s.listeners {
		fn(connected, err)
	}
}

func (s *Session) dispatch(topic string, payload []byte) {
	if !s.router.Dispatch(topic, payload) {
		s.log.Warn("dropping message on unhandled topic %s", topic)
	}
}

// IsConnected reports whether the handshake completed on the current
// connection.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// OnDescriptor sets the callback for complete workload descriptors
// received in attribute responses and updates.
func (s *Session) OnDescriptor(fn func(message.Descriptor)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onDescriptor = fn
}

// RequestAttributes asks the broker for the shared workload attributes.
// The answer arrives on the attribute response topic.
func (s *Session) RequestAttributes(ctx context.Context) error {
	body, err := json.Marshal(struct {
		SharedKeys string `json:"sharedKeys"`
	}{SharedKeys: strings.Join(s.cfg.AttributeKeys, ",")})
	if err != nil {
		return err
	}
	topic := attributeRequestPrefix + strconv.FormatUint(s.attributeSeq.Add(1), 10)
	return s.PublishDirect(ctx, topic, body)
}

// Disconnect stops the handshake retries and closes the connection after
// the configured quiesce period. It also aborts background connect retries
// when the broker was never reached.
func (s *Session) Disconnect() {
	first := false
	s.stopOnce.Do(func() {
		close(s.stop)
		first = true
	})

	s.mu.Lock()
	s.ready = false
	s.generation = uuid.New()
	s.inflight = make(map[uint64]paho.Token)
	s.mu.Unlock()

	if !first {
		return
	}
	if s.client != nil {
		s.client.Disconnect(s.cfg.DisconnectQuiesce)
	}
	s.log.Info("MQTT session closed")
}
