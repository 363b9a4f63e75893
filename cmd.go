package saga

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Channel.Put after Close.
var ErrChannelClosed = errors.New("command channel closed")

// Cmd asks the scheduler to run the saga type Type with Payload.
type Cmd struct {
	Type    string
	Payload Payload

	reply chan *Future
}

// LoadCmd asks the scheduler to re-attach the persisted instance ID of the
// saga type Name.
type LoadCmd struct {
	Name string
	ID   string
}

func (c Cmd) respond(f *Future) {
	if c.reply != nil {
		c.reply <- f
	}
}

// Channel feeds commands to a scheduler and hands each sender the future of
// the run its command started.
type Channel struct {
	mu     sync.RWMutex
	closed bool
	cmds   chan Cmd
}

// NewChannel creates an unbuffered command channel.
func NewChannel() *Channel {
	return &Channel{cmds: make(chan Cmd)}
}

// Put sends cmd and waits for the scheduler to dispatch it. The returned
// future settles with the saga's result.
func (c *Channel) Put(ctx context.Context, cmd Cmd) (*Future, error) {
	cmd.reply = make(chan *Future, 1)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrChannelClosed
	}
	select {
	case c.cmds <- cmd:
		c.mu.RUnlock()
	case <-ctx.Done():
		c.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case f := <-cmd.reply:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C returns the command stream for the scheduler.
func (c *Channel) C() <-chan Cmd {
	return c.cmds
}

// Close ends the command stream. Puts already in flight finish first.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.cmds)
	}
}
