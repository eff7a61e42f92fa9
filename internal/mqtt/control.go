package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

// RPCHandler serves one server-side RPC method. The returned value is
// sent as the result; an error is sent as the error string.
type RPCHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// HandleRPC registers h for method, replacing any previous handler.
func (s *Session) HandleRPC(method string, h RPCHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.rpc[method] = h
}

func (s *Session) handleAttributes(topic string, payload []byte) {
	d, ok, err := parseDescriptor(payload)
	if err != nil {
		s.log.Warn("ignoring attributes on %s: %v", topic, err)
		return
	}
	if !ok {
		s.log.Debug("attributes on %s carry no complete workload descriptor", topic)
		return
	}

	s.handlerMu.RLock()
	fn := s.onDescriptor
	s.handlerMu.RUnlock()
	if fn == nil {
		return
	}
	s.log.Info("workload descriptor received: %s %s", d.Title, d.Version)
	fn(d)
}

func (s *Session) handleRPC(topic string, payload []byte) {
	req, err := parseRPCRequest(topic, payload)
	if err != nil {
		s.log.Warn("invalid rpc request on %s: %v", topic, err)
		if req.RequestID != "" {
			s.respond(req.RequestID, message.RPCResponse{Error: err.Error()})
		}
		return
	}

	s.handlerMu.RLock()
	h, ok := s.rpc[req.Method]
	s.handlerMu.RUnlock()
	if !ok {
		s.log.Warn("unknown rpc method %q", req.Method)
		s.respond(req.RequestID, message.RPCResponse{Error: fmt.Sprintf("unknown method %q", req.Method)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	result, err := h(ctx, req.Params)
	if err != nil {
		s.respond(req.RequestID, message.RPCResponse{Error: err.Error()})
		return
	}
	s.respond(req.RequestID, message.RPCResponse{Result: result})
}

func (s *Session) respond(requestID string, resp message.RPCResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encoding rpc response %s: %v", requestID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	topic := rpcResponsePrefix + requestID
	if err := s.PublishDirect(ctx, topic, body); err != nil {
		s.log.Warn("publishing rpc response %s: %v", requestID, err)
	}
}
