// Package session manages the fixed pool of browser-session slots and the
// registry of live sessions built on top of them.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/preflight-health/preflight/pkg/config"
)

// ErrPoolExhausted is returned by Acquire when every slot is taken.
var ErrPoolExhausted = errors.New("no free sessions available")

// Slot is one pre-computed allocation unit: a display number and the two
// ports derived from the slot index. At most one session owns a slot at any
// instant; the pool does not verify the host ports are actually free, the
// supervisor reconciles that during start.
type Slot struct {
	Index      int
	DisplayNum int
	VNCPort    int
	WebPort    int
}

// Pool hands out slots lowest-index-first. All methods are safe for
// concurrent use.
type Pool struct {
	mu    sync.Mutex
	slots []Slot
	used  []bool
}

// NewPool builds a pool of cfg.PoolSize slots anchored at the configured
// base display and ports.
func NewPool(cfg *config.SessionConfig) *Pool {
	if cfg == nil {
		panic("NewPool: cfg must not be nil")
	}

	slots := make([]Slot, cfg.PoolSize)
	for i := range slots {
		slots[i] = Slot{
			Index:      i,
			DisplayNum: cfg.BaseDisplay + i,
			VNCPort:    cfg.BaseVNCPort + i,
			WebPort:    cfg.BaseWebPort + i,
		}
	}

	return &Pool{
		slots: slots,
		used:  make([]bool, len(slots)),
	}
}

// Acquire returns the lowest-indexed free slot, or ErrPoolExhausted when
// every slot is owned.
func (p *Pool) Acquire() (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, used := range p.used {
		if !used {
			p.used[i] = true
			return p.slots[i], nil
		}
	}
	return Slot{}, ErrPoolExhausted
}

// Release returns a slot to the free set. Releasing an already-free slot is
// a no-op.
func (p *Pool) Release(s Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Index < 0 || s.Index >= len(p.used) {
		return
	}
	p.used[s.Index] = false
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Free returns the number of currently unowned slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, used := range p.used {
		if !used {
			n++
		}
	}
	return n
}

func (s Slot) String() string {
	return fmt.Sprintf("slot %d (display :%d, vnc %d, web %d)", s.Index, s.DisplayNum, s.VNCPort, s.WebPort)
}
