package heartbeat

import (
	"sync"
	"time"
)

// Writer rewrites a task's heartbeat on a fixed interval until stopped.
type Writer struct {
	store      *Store
	taskID     string
	pid        int
	interval   time.Duration
	lastOutput func() time.Time
	onError    func(error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StartWriter writes one heartbeat immediately and then one per interval.
// lastOutput is sampled at each write. onError may be nil.
func StartWriter(store *Store, taskID string, pid int, interval time.Duration, lastOutput func() time.Time, onError func(error)) *Writer {
	w := &Writer{
		store:      store,
		taskID:     taskID,
		pid:        pid,
		interval:   interval,
		lastOutput: lastOutput,
		onError:    onError,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.write()
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.write()
		}
	}
}

func (w *Writer) write() {
	err := w.store.Write(Record{
		TaskID:       w.taskID,
		PID:          w.pid,
		LastOutputAt: w.lastOutput(),
		WrittenAt:    time.Now(),
	})
	if err != nil && w.onError != nil {
		w.onError(err)
	}
}

// Stop halts the writer and waits for its goroutine. The heartbeat file is
// left in place. Safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
