package sync

import (
	"github.com/docmesh/docmesh/metrics"
)

const (
	namespace = "sync"

	docLabel = "document"
)

var (
	sessions = metrics.NewCounter(
		"sessions",
		namespace,
		"finished sync sessions",
		[]string{"direction", "result"},
	)
	payloadBytes = metrics.NewCounter(
		"payload_bytes",
		namespace,
		"payload bytes moved across sessions",
		[]string{"kind", "direction"},
	)
	rejectedStreams = metrics.NewCounter(
		"rejected_streams",
		namespace,
		"inbound streams rejected before negotiation",
		[]string{"reason"},
	)
	acceptQueue = metrics.NewGauge(
		"accept_queue",
		namespace,
		"inbound streams queued per document",
		[]string{docLabel},
	)
)
