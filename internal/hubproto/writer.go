package hubproto

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrWritePumpClosed       = errors.New("websocket write pump closed")
	ErrWritePumpBackpressure = errors.New("websocket write pump backpressure")
)

const (
	laneControl = iota
	laneData
)

// Enqueue budgets per lane. A writer that cannot queue within its budget
// marks the peer as too slow.
var defaultEnqueueWait = [2]time.Duration{2 * time.Second, 500 * time.Millisecond}

type queued struct {
	data []byte
	done chan error
}

// WritePump owns all text writes on one connection. Control frames
// overtake queued data frames.
type WritePump struct {
	write  func([]byte) error
	onFail func()
	lanes  [2]chan queued
	wait   [2]time.Duration

	closed atomic.Bool
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// NewWritePump starts a pump writing to conn. A failed write or a full
// queue closes the connection.
func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, controlCap, dataCap int) *WritePump {
	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		if err != nil {
			_ = conn.Close()
		}
		return err
	}
	return startPump(write, func() { _ = conn.Close() }, controlCap, dataCap, defaultEnqueueWait)
}

func startPump(write func([]byte) error, onFail func(), controlCap, dataCap int, wait [2]time.Duration) *WritePump {
	p := &WritePump{
		write:  write,
		onFail: onFail,
		lanes:  [2]chan queued{make(chan queued, max(controlCap, 1)), make(chan queued, max(dataCap, 1))},
		wait:   defaultEnqueueWait,
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for i, d := range wait {
		if d > 0 {
			p.wait[i] = d
		}
	}
	go p.run()
	return p
}

// WriteFrame encodes f and blocks until it is written or rejected.
func (p *WritePump) WriteFrame(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return p.WriteText(data, f.Control())
}

// WriteText queues an already encoded message and waits for its write.
func (p *WritePump) WriteText(data []byte, control bool) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}
	lane := laneData
	if control {
		lane = laneControl
	}
	q := queued{data: data, done: make(chan error, 1)}

	timer := time.NewTimer(p.wait[lane])
	defer timer.Stop()
	select {
	case p.lanes[lane] <- q:
	case <-p.quit:
		return ErrWritePumpClosed
	case <-timer.C:
		if !p.closed.Swap(true) && p.onFail != nil {
			p.onFail()
		}
		p.stop()
		return ErrWritePumpBackpressure
	}
	select {
	case err := <-q.done:
		return err
	case <-p.exited:
		select {
		case err := <-q.done:
			return err
		default:
			return ErrWritePumpClosed
		}
	}
}

// Close stops the pump. Queued writes fail with ErrWritePumpClosed.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.stop()
	<-p.exited
}

func (p *WritePump) stop() {
	p.once.Do(func() { close(p.quit) })
}

func (p *WritePump) run() {
	defer close(p.exited)
	cause := ErrWritePumpClosed
	for !p.closed.Load() {
		q, ok := p.next()
		if !ok {
			break
		}
		err := p.write(q.data)
		if err != nil {
			p.closed.Store(true)
			p.stop()
			cause = err
		}
		q.done <- err
		if err != nil {
			break
		}
	}
	p.drain(cause)
}

func (p *WritePump) next() (queued, bool) {
	select {
	case q := <-p.lanes[laneControl]:
		return q, true
	default:
	}
	select {
	case q := <-p.lanes[laneControl]:
		return q, true
	case q := <-p.lanes[laneData]:
		return q, true
	case <-p.quit:
		return queued{}, false
	}
}

func (p *WritePump) drain(err error) {
	for {
		select {
		case q := <-p.lanes[laneControl]:
			q.done <- err
		case q := <-p.lanes[laneData]:
			q.done <- err
		default:
			return
		}
	}
}
