package endpoints

import (
	"github.com/jackzampolin/chorus/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},
		&MetricsEndpoint{},

		// Session endpoints
		&ProgressEndpoint{},
		&AbortEndpoint{},
		&PurgeEndpoint{},
		&StreamEndpoint{},

		// Worker and queue endpoints
		&WorkersEndpoint{},
		&WorkerSelfEndpoint{},
		&QueueEndpoint{},
	}
}
