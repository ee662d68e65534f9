package memorybus

import (
	"testing"

	"github.com/ggoodman/mcp-quote-server/events"
	"github.com/ggoodman/mcp-quote-server/events/eventstest"
)

func TestMemoryBus(t *testing.T) {
	eventstest.RunBusTests(t, func(t *testing.T) events.Bus {
		return New()
	})
}
