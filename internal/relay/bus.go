// Package relay is the message bus between the privileged coordinator, the
// page recorder and the control surface. Each context consumes its inbox on a
// single goroutine, so messages from one sender arrive in send order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Context names one isolated execution context.
type Context string

const (
	ContextCoordinator Context = "coordinator"
	ContextRecorder    Context = "recorder"
	ContextControl     Context = "control"
)

const inboxSize = 256

// ErrUnreachable is returned by Request when no context is registered under the target name.
var ErrUnreachable = errors.New("relay: target not reachable")

// Handler processes one message. The returned value becomes the reply payload
// when the sender used Request; it is discarded for Send and Broadcast.
type Handler func(ctx context.Context, from Context, msg Message) (any, error)

// Mirror receives broadcasts for delivery outside this process.
type Mirror interface {
	Publish(from Context, msg Message) error
}

type reply struct {
	msg Message
	err error
}

type envelope struct {
	from  Context
	msg   Message
	reply chan reply
}

type endpoint struct {
	name    Context
	inbox   chan envelope
	handler Handler
	done    chan struct{}
}

// Bus routes messages between registered contexts.
type Bus struct {
	endpoints map[Context]*endpoint
	mu        sync.RWMutex
	mirror    Mirror
	logger    *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{endpoints: make(map[Context]*endpoint), logger: logger}
}

// SetMirror attaches a cross-process mirror for broadcasts.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Register starts the inbox loop for name. The returned func unregisters it and
// waits for the loop to exit. Registering an existing name replaces it.
func (b *Bus) Register(name Context, h Handler) (unregister func()) {
	ep := &endpoint{
		name:    name,
		inbox:   make(chan envelope, inboxSize),
		handler: h,
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	old := b.endpoints[name]
	b.endpoints[name] = ep
	b.mu.Unlock()
	if old != nil {
		close(old.inbox)
	}
	go b.serve(ep)
	b.logger.Debug("relay context registered", zap.String("context", string(name)))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.endpoints[name] == ep {
				delete(b.endpoints, name)
				close(ep.inbox)
			}
			b.mu.Unlock()
			<-ep.done
		})
	}
}

func (b *Bus) serve(ep *endpoint) {
	defer close(ep.done)
	for env := range ep.inbox {
		out, err := b.dispatch(ep, env)
		if env.reply != nil {
			env.reply <- reply{msg: out, err: err}
		}
	}
}

func (b *Bus) dispatch(ep *endpoint, env envelope) (out Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("relay handler panic", zap.String("context", string(ep.name)), zap.String("type", string(env.msg.Type)), zap.Any("panic", r))
			err = fmt.Errorf("relay: handler panic: %v", r)
		}
	}()
	val, err := ep.handler(context.Background(), env.from, env.msg)
	if err != nil {
		return Message{Type: env.msg.Type}, err
	}
	return NewMessage(env.msg.Type, val)
}

func (b *Bus) lookup(name Context) *endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[name]
}

// enqueue hands env to the target inbox without blocking. Holding the read
// lock keeps the inbox from being closed underneath us.
func (b *Bus) enqueue(to Context, env envelope) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep := b.endpoints[to]
	if ep == nil {
		return false
	}
	select {
	case ep.inbox <- env:
		return true
	default:
		b.logger.Warn("relay inbox full, message dropped", zap.String("to", string(to)), zap.String("type", string(env.msg.Type)))
		return false
	}
}

// Send delivers msg to one context, fire-and-forget. An unreachable target is logged only.
func (b *Bus) Send(from, to Context, msg Message) {
	if !b.enqueue(to, envelope{from: from, msg: msg}) {
		b.logger.Info("relay target unreachable", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("type", string(msg.Type)))
	}
}

// Request delivers msg and waits for the reply of the same type.
func (b *Bus) Request(ctx context.Context, from, to Context, msg Message) (Message, error) {
	ch := make(chan reply, 1)
	if !b.enqueue(to, envelope{from: from, msg: msg, reply: ch}) {
		b.logger.Info("relay request target unreachable", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("type", string(msg.Type)))
		return Message{}, ErrUnreachable
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Broadcast sends msg to every registered context except the sender, and to the mirror.
func (b *Bus) Broadcast(from Context, msg Message) {
	b.deliverLocal(from, msg)
	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror != nil {
		if err := mirror.Publish(from, msg); err != nil {
			b.logger.Warn("relay mirror publish failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

func (b *Bus) deliverLocal(from Context, msg Message) {
	b.mu.RLock()
	targets := make([]Context, 0, len(b.endpoints))
	for name := range b.endpoints {
		if name != from {
			targets = append(targets, name)
		}
	}
	b.mu.RUnlock()
	for _, to := range targets {
		b.Send(from, to, msg)
	}
}

// Registered reports whether a context is currently reachable.
func (b *Bus) Registered(name Context) bool {
	return b.lookup(name) != nil
}
