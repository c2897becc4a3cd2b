package ramdisk

// worker runs a queue-draining function on its own goroutine whenever it is kicked.
// Stopping it runs one last drain, so nothing accepted before stop is left behind.
type worker struct {
	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	drain  func()
}

func startWorker(drain func()) *worker {
	w := &worker{
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		drain:  drain,
	}

	go w.run()

	return w
}

func (w *worker) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.kickCh:
			w.drain()
		case <-w.stopCh:
			w.drain()

			return
		}
	}
}

func (w *worker) kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *worker) stop() {
	close(w.stopCh)
	<-w.doneCh
}
