package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// sendQueueSize is how many chunks a conn may fall behind before it is dropped.
	sendQueueSize = 64
	// drainTimeout bounds how long Close waits for queued chunks to be sent.
	drainTimeout = time.Second
)

var (
	errConnClosed = errors.New("conn closed")
	errSlowConn   = errors.New("conn send queue full")
)

// connWriter queues chunks for one transport and sends them from its own goroutine,
// so a stalled client never blocks a broadcast or the other clients.
type connWriter struct {
	log       *zap.SugaredLogger
	transport Transport

	ctx    context.Context
	cancel func()

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func newConnWriter(ctx context.Context, log *zap.SugaredLogger, t Transport) *connWriter {
	ctx, cancel := context.WithCancel(ctx)
	w := &connWriter{
		log:       log,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		sendCh:    make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *connWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.done:
			w.drain()
			return
		case b := <-w.sendCh:
			w.send(b)
		}
	}
}

func (w *connWriter) drain() {
	for {
		select {
		case b := <-w.sendCh:
			w.send(b)
		default:
			return
		}
	}
}

func (w *connWriter) send(b []byte) {
	err := w.transport.Send(w.ctx, b)
	if err != nil {
		w.log.Debugf("send error: %s", err)
	}
}

// Send queues the chunk and returns without waiting for it to be written.
// If the queue is full the conn is closed, and its close handler takes care of removing it.
func (w *connWriter) Send(ctx context.Context, b []byte) error {
	select {
	case <-w.done:
		return errConnClosed
	case <-w.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case w.sendCh <- b:
		return nil
	default:
		w.log.Debug("send queue full, closing slow conn")
		go w.Close()
		return errSlowConn
	}
}

// Close sends what is already queued, then closes the transport. It is safe to call more than once.
func (w *connWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		exited := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(exited)
		}()
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			// a stalled send only returns once its context is done
			w.cancel()
			<-exited
		}
		w.cancel()
		w.closeErr = w.transport.Close()
	})
	return w.closeErr
}
