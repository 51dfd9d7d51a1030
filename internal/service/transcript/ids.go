package transcript

import (
	"fmt"
	"sync/atomic"
)

// IDGenerator hands out process-local monotonic entry identifiers.
type IDGenerator struct {
	counter uint64
}

// NewIDGenerator returns a generator starting at 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next identifier for an entry belonging to callID.
func (g *IDGenerator) Next(callID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", callID, n)
}
