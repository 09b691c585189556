package transport

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/jingle/pkg/message"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// MaxFrameSize is the largest encoded message a Pipe carries.
const MaxFrameSize = 64 * 1024

var pipeSeq atomic.Uint64

// NetworkCondition configures network behavior simulation.
type NetworkCondition struct {
	// DropRate is the probability of dropping a message (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay added before each message is queued.
	DelayMin time.Duration

	// DelayMax is the maximum delay. Actual delay is uniformly distributed
	// between DelayMin and DelayMax.
	DelayMax time.Duration
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// Identities are the local identities of endpoint 0 and endpoint 1.
	Identities [2]string

	// AutoProcess enables automatic message delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor checks for messages.
	// Default: 1ms
	ProcessInterval time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DefaultPipeConfig returns the default pipe configuration for two identities.
func DefaultPipeConfig(identity0, identity1 string) PipeConfig {
	return PipeConfig{
		Identities:      [2]string{identity0, identity1},
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe is an in-memory signaling channel between two endpoints.
// It wraps pion's test.Bridge; each endpoint is exposed as a PipeConn.
//
// By default, Pipe delivers messages in a background goroutine.
// Use SetAutoProcess(false) and Tick/Process for manual control.
type Pipe struct {
	bridge *test.Bridge
	conns  [2]*PipeConn

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a pipe between two identities with auto-processing enabled.
func NewPipe(identity0, identity1 string) *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig(identity0, identity1))
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if config.ProcessInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	seq := pipeSeq.Add(1)
	raw := [2]net.Conn{p.bridge.GetConn0(), p.bridge.GetConn1()}
	for i := 0; i < 2; i++ {
		p.conns[i] = newPipeConn(p, i, fmt.Sprintf("pipe-%d/%d", seq, i), config.Identities[i], raw[i], config.LoggerFactory)
	}

	if p.autoProcess {
		p.startAutoProcess()
	}
	for _, c := range p.conns {
		c.start()
	}

	return p
}

// startAutoProcess starts the background message delivery goroutine.
func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				// Drain everything that has a waiting reader.
				for p.bridge.Tick() > 0 {
				}
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic message delivery.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}

	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// AutoProcess returns whether auto-processing is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition configures network condition simulation for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// Conn returns the endpoint at idx (0 or 1).
func (p *Pipe) Conn(idx int) *PipeConn {
	if idx < 0 || idx > 1 {
		return nil
	}
	return p.conns[idx]
}

// Tick delivers at most one queued message in each direction.
// Returns the number of messages delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued messages that have a waiting reader.
// Returns the number of messages delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Pending returns the number of queued messages sent by endpoint idx.
func (p *Pipe) Pending(idx int) int {
	return p.bridge.Len(idx)
}

// Sever simulates a lost channel: both endpoints close with err.
func (p *Pipe) Sever(err error) {
	if err == nil {
		err = ErrNotConnected
	}
	for _, c := range p.conns {
		c.close(err)
	}
}

// Close closes both endpoints and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	for _, c := range p.conns {
		c.close(nil)
	}
	return nil
}

// delay applies the configured network condition to one outgoing message.
// Returns false if the message should be dropped.
func (p *Pipe) delay() bool {
	p.mu.RLock()
	cond := p.condition
	rng := p.rng
	p.mu.RUnlock()

	if cond.DropRate > 0 && rng.Float64() < cond.DropRate {
		return false
	}

	if cond.DelayMax > 0 {
		d := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			d += time.Duration(rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		if d > 0 {
			time.Sleep(d)
		}
	}
	return true
}

type subscription struct {
	filter  Filter
	handler Handler
}

// PipeConn is one endpoint of a Pipe. It implements Conn.
type PipeConn struct {
	id       string
	identity string
	index    int
	conn     net.Conn
	pipe     *Pipe
	closeCh  chan struct{}
	log      logging.LeveledLogger

	subs      map[uint64]subscription
	subOrder  []uint64
	listeners map[uint64]CloseListener
	nextID    uint64

	mu     sync.RWMutex
	closed bool
}

func newPipeConn(p *Pipe, index int, id, identity string, conn net.Conn, lf logging.LoggerFactory) *PipeConn {
	c := &PipeConn{
		id:        id,
		identity:  identity,
		index:     index,
		conn:      conn,
		pipe:      p,
		closeCh:   make(chan struct{}),
		subs:      make(map[uint64]subscription),
		listeners: make(map[uint64]CloseListener),
	}
	if lf != nil {
		c.log = lf.NewLogger("pipe")
	}
	return c
}

func (c *PipeConn) start() {
	go c.readLoop()
}

// ID implements Conn.
func (c *PipeConn) ID() string { return c.id }

// LocalIdentity implements Conn.
func (c *PipeConn) LocalIdentity() string { return c.identity }

// IsConnected implements Conn. A PipeConn is connected while neither
// endpoint has been closed.
func (c *PipeConn) IsConnected() bool {
	if c.isClosed() {
		return false
	}
	return !c.pipe.conns[1-c.index].isClosed()
}

func (c *PipeConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send implements Conn.
func (c *PipeConn) Send(msg *message.Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if c.isClosed() {
		return ErrClosed
	}

	data, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(data) > MaxFrameSize {
		return ErrMessageTooLarge
	}

	if c.log != nil {
		c.log.Debugf("%s send %s", c.identity, msg)
	}

	if !c.pipe.delay() {
		if c.log != nil {
			c.log.Debugf("%s dropped %s", c.identity, msg.ID)
		}
		return nil
	}

	if _, err := c.conn.Write(data); err != nil {
		if c.log != nil {
			c.log.Warnf("send failed: %v", err)
		}
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Subscribe implements Conn. Subscribers are invoked in registration order.
func (c *PipeConn) Subscribe(filter Filter, handler Handler) func() {
	if filter == nil {
		filter = AcceptAll
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = subscription{filter: filter, handler: handler}
	c.subOrder = append(c.subOrder, id)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; !ok {
			return
		}
		delete(c.subs, id)
		for i, sid := range c.subOrder {
			if sid == id {
				c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
				break
			}
		}
	}
}

// AddCloseListener implements Conn.
func (c *PipeConn) AddCloseListener(l CloseListener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (c *PipeConn) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// CloseListenerCount returns the number of registered close listeners.
func (c *PipeConn) CloseListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Close closes this endpoint and notifies close listeners.
func (c *PipeConn) Close() error {
	c.close(nil)
	return nil
}

// close shuts the endpoint down once. A nil err is an orderly close.
func (c *PipeConn) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeCh)
	listeners := make([]CloseListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	if c.log != nil {
		if err != nil {
			c.log.Warnf("%s closed on error: %v", c.identity, err)
		} else {
			c.log.Infof("%s closed", c.identity)
		}
	}

	// Unblock the pending read.
	_ = c.conn.SetReadDeadline(time.Now())
	_ = c.conn.Close()

	for _, l := range listeners {
		if err != nil {
			l.ConnectionClosedOnError(err)
		} else {
			l.ConnectionClosed()
		}
	}
}

// readLoop reads frames from the bridge and dispatches them.
func (c *PipeConn) readLoop() {
	buf := make([]byte, MaxFrameSize)

	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				c.close(ErrNotConnected)
				return
			}
			if c.log != nil {
				c.log.Warnf("pipe read error: %v", err)
			}
			continue
		}

		if n == 0 {
			continue
		}

		msg, err := message.Decode(buf[:n])
		if err != nil {
			if c.log != nil {
				c.log.Warnf("%s dropping undecodable frame: %v", c.identity, err)
			}
			continue
		}

		if c.log != nil {
			c.log.Debugf("%s received %s", c.identity, msg)
		}
		c.dispatch(msg)
	}
}

func (c *PipeConn) dispatch(msg *message.Message) {
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.subOrder))
	for _, id := range c.subOrder {
		sub := c.subs[id]
		if sub.filter(msg) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Verify PipeConn implements Conn.
var _ Conn = (*PipeConn)(nil)
