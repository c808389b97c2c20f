package lib

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// timerItem is one armed deadline. gen tells apart successive arms of the same index.
type timerItem struct {
	deadline time.Time
	index    uint32
	gen      uint64
}

func timerItemLess(a, b timerItem) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	if a.index != b.index {
		return a.index < b.index
	}
	return a.gen < b.gen
}

// timerWheel owns every retransmission deadline of one transfer. A single
// goroutine sleeps until the earliest deadline and reports expired indices
// through the fire callback.
type timerWheel struct {
	mu    sync.Mutex
	tree  *btree.BTreeG[timerItem]
	armed map[uint32]timerItem
	gen   uint64
	fire  func(index uint32)

	wake        chan struct{}
	closeSignal chan struct{}
	wg          sync.WaitGroup
}

func newTimerWheel(fire func(index uint32)) *timerWheel {
	w := &timerWheel{
		tree:        btree.NewG[timerItem](16, timerItemLess),
		armed:       make(map[uint32]timerItem),
		fire:        fire,
		wake:        make(chan struct{}, 1),
		closeSignal: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Timer is the per-segment handle onto a timerWheel
type Timer struct {
	wheel *timerWheel
	index uint32
}

func (w *timerWheel) Timer(index uint32) Timer {
	return Timer{wheel: w, index: index}
}

// Arm starts, or restarts, the countdown of this segment
func (t Timer) Arm(timeout time.Duration) {
	t.wheel.arm(t.index, timeout)
}

// Cancel stops the countdown. It reports whether the timer was still armed.
func (t Timer) Cancel() bool {
	return t.wheel.cancel(t.index)
}

func (w *timerWheel) arm(index uint32, timeout time.Duration) {
	w.mu.Lock()
	if old, ok := w.armed[index]; ok {
		w.tree.Delete(old)
	}
	w.gen++
	item := timerItem{deadline: time.Now().Add(timeout), index: index, gen: w.gen}
	w.tree.ReplaceOrInsert(item)
	w.armed[index] = item
	earliest, _ := w.tree.Min()
	w.mu.Unlock()

	if earliest.gen == item.gen {
		w.signal()
	}
}

func (w *timerWheel) cancel(index uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.armed[index]
	if !ok {
		return false
	}
	w.tree.Delete(item)
	delete(w.armed, index)
	return true
}

// Len returns the number of armed timers
func (w *timerWheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tree.Len()
}

func (w *timerWheel) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// popExpired removes the earliest item if its deadline has passed. Otherwise it
// returns how long to sleep; a negative wait means nothing is armed.
func (w *timerWheel) popExpired(now time.Time) (timerItem, bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	earliest, ok := w.tree.Min()
	if !ok {
		return timerItem{}, false, -1
	}
	if wait := earliest.deadline.Sub(now); wait > 0 {
		return timerItem{}, false, wait
	}
	w.tree.DeleteMin()
	delete(w.armed, earliest.index)
	return earliest, true, 0
}

func (w *timerWheel) run() {
	defer w.wg.Done()

	sleeper := time.NewTimer(time.Hour)
	defer sleeper.Stop()

	for {
		item, expired, wait := w.popExpired(time.Now())
		if expired {
			w.fire(item.index)
			continue
		}

		if !sleeper.Stop() {
			select {
			case <-sleeper.C:
			default:
			}
		}
		var sleep <-chan time.Time
		if wait > 0 {
			sleeper.Reset(wait)
			sleep = sleeper.C
		}

		select {
		case <-w.closeSignal:
			return
		case <-w.wake:
		case <-sleep:
		}
	}
}

// Stop cancels every timer and waits for the timer goroutine to exit
func (w *timerWheel) Stop() {
	close(w.closeSignal)
	w.wg.Wait()
	w.mu.Lock()
	w.tree.Clear(false)
	w.armed = make(map[uint32]timerItem)
	w.mu.Unlock()
}
