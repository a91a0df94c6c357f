package backend

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/petermattis/goid"

	"github.com/HenryTangIntel/nixl/transport"
)

// workerPool is an ordered set of independent progress contexts. A calling
// goroutine is mapped to a worker by a stable hash of its own identity, so
// repeated calls from the same goroutine land on the same worker while
// distinct goroutines spread across the pool.
type workerPool struct {
	workers []transport.Worker
}

func newWorkerPool(ctx transport.Context, n int) (*workerPool, error) {
	if n <= 0 {
		n = 1
	}
	p := &workerPool{workers: make([]transport.Worker, 0, n)}
	for i := 0; i < n; i++ {
		w, err := ctx.NewWorker()
		if err != nil {
			p.close()
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

func (p *workerPool) size() int { return len(p.workers) }

func (p *workerPool) worker(i int) transport.Worker { return p.workers[i] }

// callerWorkerID maps the calling goroutine to a worker index.
func (p *workerPool) callerWorkerID() int {
	if len(p.workers) == 1 {
		return 0
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(goid.Get()))
	return int(xxhash.Sum64(buf[:]) % uint64(len(p.workers)))
}

func (p *workerPool) close() {
	for _, w := range p.workers {
		_ = w.Close()
	}
	p.workers = nil
}
