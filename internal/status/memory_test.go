package status_test

import (
	"testing"

	"harvester/internal/status"
	"harvester/internal/status/statustest"
)

func TestMemoryStore(t *testing.T) {
	statustest.Run(t, func(t *testing.T, opts status.Options) status.Store {
		return status.NewMemoryStore(opts)
	})
}
