package branch

import "sync"

// drainer is a shutdown barrier for in-flight operation handlers. Handlers
// acquire it for the duration of their work; Drain refuses new acquisitions
// and blocks until every held acquisition is released.
type drainer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int
	draining bool
}

func newDrainer() *drainer {
	d := &drainer{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// acquire takes a keepalive. It reports false once draining has begun; the
// caller must then drop the operation instead of starting it.
func (d *drainer) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.count++
	return true
}

func (d *drainer) release() {
	d.mu.Lock()
	d.count--
	if d.count == 0 {
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

// drain stops new acquisitions and waits for the held ones to finish.
// Idempotent.
func (d *drainer) drain() {
	d.mu.Lock()
	d.draining = true
	for d.count > 0 {
		d.cond.Wait()
	}
	d.mu.Unlock()
}
