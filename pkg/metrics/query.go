package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// InstanceMetrics is the aggregated activity for one instance, as scraped
// back out of Prometheus.
type InstanceMetrics struct {
	InstanceID     string `json:"instance_id"`
	EventsTotal    int64  `json:"events_total"`
	TerminalsTotal int64  `json:"terminals_total"`
}

// QueryService queries metrics back from a Prometheus server. Only wired
// when the deployment configures a Prometheus URL.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{client: client, queryAPI: v1.NewAPI(client)}, nil
}

// GetInstanceMetrics aggregates event and terminal counters for an instance.
func (q *QueryService) GetInstanceMetrics(ctx context.Context, instanceID string) (*InstanceMetrics, error) {
	out := &InstanceMetrics{InstanceID: instanceID}

	eventsQuery := fmt.Sprintf(`sum(agentdeck_instance_events_total{instance_id=%q})`, instanceID)
	result, _, err := q.queryAPI.Query(ctx, eventsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query instance events: %w", err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		out.EventsTotal = int64(vector[0].Value)
	}

	terminalsQuery := fmt.Sprintf(`sum(agentdeck_instance_events_total{instance_id=%q, kind="terminal_attached"})`, instanceID)
	result, _, err = q.queryAPI.Query(ctx, terminalsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal events: %w", err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		out.TerminalsTotal = int64(vector[0].Value)
	}

	return out, nil
}
