package server

import (
	"sync"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
)

var initOnce sync.Once

// Initialize performs the process-wide setup servers depend on: registering
// the predefined packet types. Must run before any server is constructed;
// New calls it as well, so explicit invocation is only needed when packets
// are encoded before the first server exists. Idempotent.
func Initialize() {
	initOnce.Do(func() {
		protocol.RegisterPredefined()
	})
}
