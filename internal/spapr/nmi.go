package spapr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vof/internal/hv"
)

// ErrNMIUnsupported is returned when no device accepts a monitor NMI.
var ErrNMIUnsupported = errors.New("spapr: this guest does not support NMI")

// NMI delivers monitor-injected NMIs to the registered handlers in
// registration order.
type NMI struct {
	mu       sync.Mutex
	handlers []hv.NMIHandler
}

// Register adds a handler.
func (n *NMI) Register(h hv.NMIHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

// Inject delivers an NMI for cpuIndex. Delivery stops at the first handler
// that fails.
func (n *NMI) Inject(cpuIndex int) error {
	n.mu.Lock()
	handlers := append([]hv.NMIHandler(nil), n.handlers...)
	n.mu.Unlock()

	if len(handlers) == 0 {
		return ErrNMIUnsupported
	}
	for _, h := range handlers {
		if err := h.HandleNMI(cpuIndex); err != nil {
			return fmt.Errorf("spapr: nmi on cpu %d: %w", cpuIndex, err)
		}
	}
	return nil
}
