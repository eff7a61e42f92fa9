package mqtt

import (
	"strings"
	"sync"
)

// Control topics of the ThingsBoard device API.
const (
	TopicAttributeResponse = "v1/devices/me/attributes/response/+"
	TopicRPCRequest        = "v1/devices/me/rpc/request/+"
	TopicAttributes        = "v1/devices/me/attributes"

	attributeRequestPrefix = "v1/devices/me/attributes/request/"
	rpcRequestPrefix       = "v1/devices/me/rpc/request/"
	rpcResponsePrefix      = "v1/devices/me/rpc/response/"
)

// HandlerFunc processes one inbound message.
type HandlerFunc func(topic string, payload []byte)

type route struct {
	pattern string
	handler HandlerFunc
}

// Router dispatches inbound messages to the first registered pattern that
// matches the topic.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// Handle registers h for pattern. Patterns use MQTT wildcards.
func (r *Router) Handle(pattern string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{pattern: pattern, handler: h})
}

// Patterns returns the registered patterns in registration order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.pattern
	}
	return out
}

// Dispatch calls the handler for topic and reports whether one matched.
func (r *Router) Dispatch(topic string, payload []byte) bool {
	r.mu.RLock()
	var h HandlerFunc
	for _, rt := range r.routes {
		if Match(rt.pattern, topic) {
			h = rt.handler
			break
		}
	}
	r.mu.RUnlock()
	if h == nil {
		return false
	}
	h(topic, payload)
	return true
}

// Match reports whether topic matches the subscription pattern. "+"
// matches exactly one level, a trailing "#" matches the remaining levels
// including none.
func Match(pattern, topic string) bool {
	pl := strings.Split(pattern, "/")
	tl := strings.Split(topic, "/")
	for i, p := range pl {
		if p == "#" {
			return i == len(pl)-1
		}
		if i >= len(tl) {
			return false
		}
		if p != "+" && p != tl[i] {
			return false
		}
	}
	return len(pl) == len(tl)
}
