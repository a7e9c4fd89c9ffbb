package server

import (
	"sync"
	"time"
)

// debouncer runs fn for a key once no schedule call for that key happened for delay
type debouncer struct {
	delay time.Duration
	fn    func(key string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer(delay time.Duration, fn func(key string)) *debouncer {
	return &debouncer{delay: delay, fn: fn, timers: make(map[string]*time.Timer)}
}

// schedule cancels the pending run for key, if any, and starts a new wait
func (d *debouncer) schedule(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.timers[key] != t {
			// rescheduled or flushed meanwhile
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		d.fn(key)
	})
	d.timers[key] = t
}

// flush cancels the pending run for key and runs fn now
func (d *debouncer) flush(key string) {
	d.mu.Lock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
	d.fn(key)
}

func (d *debouncer) pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.timers))
	for k := range d.timers {
		keys = append(keys, k)
	}
	return keys
}

// flushAll runs every pending key now
func (d *debouncer) flushAll() {
	for _, k := range d.pending() {
		d.flush(k)
	}
}
