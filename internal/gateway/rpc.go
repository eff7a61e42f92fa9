package gateway

import (
	"context"
	"encoding/json"
	"errors"
)

// RPC methods served besides the session's built-in ping.
const (
	MethodQueueStatus     = "queue_status"
	MethodWorkloadStatus  = "workload_status"
	MethodRestartWorkload = "restart_workload"
)

var errNoSupervisor = errors.New("workload supervision is disabled")

func (g *Gateway) registerRPC() {
	g.session.HandleRPC(MethodQueueStatus, g.queueStatus)
	g.session.HandleRPC(MethodWorkloadStatus, g.workloadStatus)
	g.session.HandleRPC(MethodRestartWorkload, g.restartWorkload)
}

func (g *Gateway) queueStatus(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return g.store.Stats(ctx)
}

func (g *Gateway) workloadStatus(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if g.supervisor == nil {
		return nil, errNoSupervisor
	}
	return g.supervisor.Snapshot(), nil
}

func (g *Gateway) restartWorkload(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if g.supervisor == nil {
		return nil, errNoSupervisor
	}
	if err := g.supervisor.Restart(); err != nil {
		return nil, err
	}
	g.log.Info("Workload restart requested over RPC")
	return map[string]bool{"restarting": true}, nil
}
