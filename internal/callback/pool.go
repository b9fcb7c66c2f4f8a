package callback

import (
	"github.com/sirupsen/logrus"
)

const DefaultPoolSize = 256

// Pool is a bounded free list of slots. Acquire never fails: an empty pool
// allocates, and a full pool lets released slots go to the garbage collector.
type Pool struct {
	free   chan *Slot
	logger logrus.FieldLogger
}

func NewPool(size int, logger logrus.FieldLogger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		free:   make(chan *Slot, size),
		logger: logger,
	}
}

func (p *Pool) Acquire() *Slot {
	select {
	case s := <-p.free:
		s.pooled.Store(false)
		metricPoolHits.Inc()
		return s
	default:
		metricPoolMisses.Inc()
		return newSlot()
	}
}

// Release resets s and returns it to the pool. Releasing a slot that is
// already in the pool is logged and ignored.
func (p *Pool) Release(s *Slot) {
	if s == nil {
		return
	}
	if !s.pooled.CompareAndSwap(false, true) {
		metricDoubleReleases.Inc()
		p.logger.Warn("Callback slot released twice, ignoring")
		return
	}

	s.reset()

	select {
	case p.free <- s:
	default:
		metricPoolDrops.Inc()
	}
}

// Idle returns the number of slots waiting in the pool.
func (p *Pool) Idle() int {
	return len(p.free)
}
