package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

// parseRPCRequest decodes an RPC call published on
// v1/devices/me/rpc/request/<id>.
func parseRPCRequest(topic string, payload []byte) (message.RPCRequest, error) {
	id := strings.TrimPrefix(topic, rpcRequestPrefix)
	if id == topic || id == "" || strings.Contains(id, "/") {
		return message.RPCRequest{}, fmt.Errorf("rpc topic %q has no request id", topic)
	}

	var req message.RPCRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return message.RPCRequest{RequestID: id}, fmt.Errorf("failed to parse rpc request: %w", err)
	}
	req.RequestID = id
	if req.Method == "" {
		return req, errors.New("rpc request missing required field: method")
	}
	return req, nil
}

// parseDescriptor extracts the workload descriptor from an attribute
// response or update. Shared attributes may be nested under "shared" or
// sent flat. ok is false when any of the three fields is missing.
func parseDescriptor(payload []byte) (d message.Descriptor, ok bool, err error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return d, false, fmt.Errorf("failed to parse attributes: %w", err)
	}
	body := payload
	if shared, found := doc["shared"]; found && len(shared) > 0 && shared[0] == '{' {
		body = shared
	}

	var attrs struct {
		Title   *string `json:"sw_title"`
		URL     *string `json:"sw_url"`
		Version *string `json:"sw_version"`
	}
	if err := json.Unmarshal(body, &attrs); err != nil {
		return d, false, fmt.Errorf("failed to parse workload attributes: %w", err)
	}
	if attrs.Title != nil {
		d.Title = *attrs.Title
	}
	if attrs.URL != nil {
		d.URL = *attrs.URL
	}
	if attrs.Version != nil {
		d.Version = *attrs.Version
	}
	return d, d.Complete(), nil
}
