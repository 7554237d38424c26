// Package redis provides an exchange backend over a shared Redis server.
// Mailbox liveness lives in string keys and queues in Redis lists, so
// entities in different processes or on different machines communicate
// through the same broker. Per-source ordering follows from RPUSH/BLPOP
// list semantics.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/message"
)

const (
	stateActive     = "ACTIVE"
	stateTerminated = "TERMINATED"

	// closeSentinel is pushed onto a queue at termination to release
	// receivers already blocked in BLPOP.
	closeSentinel = "<CLOSED>"

	// pollInterval bounds how long one BLPOP blocks so receivers notice
	// termination even if the sentinel was consumed by another waiter.
	pollInterval = time.Second
)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all exchange keys (default:
	// "academy:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// Factory creates transport connections backed by one shared Redis
// client. It implements exchange.Factory.
type Factory struct {
	client *goredis.Client
	prefix string
	log    zerolog.Logger
}

// NewFactory connects to Redis and verifies the server is reachable.
func NewFactory(cfg Config, log zerolog.Logger) (*Factory, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "academy:"
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Factory{client: client, prefix: prefix, log: log}, nil
}

// NewFactoryFromClient creates a factory from an existing client. This is
// useful for testing with miniredis.
func NewFactoryFromClient(client *goredis.Client, prefix string, log zerolog.Logger) *Factory {
	if prefix == "" {
		prefix = "academy:"
	}
	return &Factory{client: client, prefix: prefix, log: log}
}

func (f *Factory) activeKey(id identity.EntityID) string {
	return f.prefix + "active:" + string(id.Role) + ":" + id.UID.String()
}

func (f *Factory) queueKey(id identity.EntityID) string {
	return f.prefix + "queue:" + string(id.Role) + ":" + id.UID.String()
}

// Bind registers the identifier's mailbox if absent and returns a
// transport bound to it. Binding a terminated mailbox fails.
func (f *Factory) Bind(ctx context.Context, id identity.EntityID) (exchange.Transport, error) {
	state, err := f.client.Get(ctx, f.activeKey(id)).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		if err := f.client.Set(ctx, f.activeKey(id), stateActive, 0).Err(); err != nil {
			return nil, fmt.Errorf("register mailbox: %w", err)
		}
		f.log.Debug().Stringer("id", id).Msg("created mailbox")
	case err != nil:
		return nil, fmt.Errorf("register mailbox: %w", err)
	case state == stateTerminated:
		return nil, exchange.TerminatedError{ID: id}
	}
	return &transport{factory: f, id: id}, nil
}

// Close releases the shared Redis client. Transports created by this
// factory become unusable.
func (f *Factory) Close() error {
	return f.client.Close()
}

type transport struct {
	factory *Factory
	id      identity.EntityID
}

var _ exchange.Transport = (*transport)(nil)

func (t *transport) MailboxID() identity.EntityID { return t.id }

func (t *transport) Send(ctx context.Context, msg message.Message) error {
	f := t.factory
	state, err := f.client.Get(ctx, f.activeKey(msg.Dest)).Result()
	if errors.Is(err, goredis.Nil) {
		return exchange.NotFoundError(msg.Dest)
	}
	if err != nil {
		return fmt.Errorf("send: check destination: %w", err)
	}
	if state == stateTerminated {
		return exchange.TerminatedError{ID: msg.Dest}
	}
	raw, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if err := f.client.RPush(ctx, f.queueKey(msg.Dest), raw).Err(); err != nil {
		return fmt.Errorf("send: enqueue: %w", err)
	}
	return nil
}

func (t *transport) Recv(ctx context.Context, timeout time.Duration) (message.Message, error) {
	f := t.factory
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		state, err := f.client.Get(ctx, f.activeKey(t.id)).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return message.Message{}, fmt.Errorf("recv: check mailbox: %w", err)
		}
		if state == stateTerminated {
			return message.Message{}, exchange.TerminatedError{ID: t.id}
		}

		poll := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return message.Message{}, exchange.ErrTimeout
			}
			if remaining < poll {
				poll = remaining
			}
		}
		raw, err := f.client.BLPop(ctx, poll, f.queueKey(t.id)).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return message.Message{}, ctx.Err()
			}
			return message.Message{}, fmt.Errorf("recv: dequeue: %w", err)
		}
		// BLPop with one key returns [key, value].
		if len(raw) != 2 {
			return message.Message{}, fmt.Errorf("recv: unexpected BLPOP reply of length %d", len(raw))
		}
		if raw[1] == closeSentinel {
			return message.Message{}, exchange.TerminatedError{ID: t.id}
		}
		return message.Decode([]byte(raw[1]))
	}
}

func (t *transport) Status(ctx context.Context, id identity.EntityID) (exchange.MailboxStatus, error) {
	state, err := t.factory.client.Get(ctx, t.factory.activeKey(id)).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return exchange.MailboxMissing, nil
	case err != nil:
		return exchange.MailboxMissing, fmt.Errorf("status: %w", err)
	case state == stateTerminated:
		return exchange.MailboxTerminated, nil
	default:
		return exchange.MailboxActive, nil
	}
}

func (t *transport) Terminate(ctx context.Context, id identity.EntityID) error {
	f := t.factory
	state, err := f.client.Get(ctx, f.activeKey(id)).Result()
	if errors.Is(err, goredis.Nil) || state == stateTerminated {
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	if err := f.client.Set(ctx, f.activeKey(id), stateTerminated, 0).Err(); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	f.log.Debug().Stringer("id", id).Msg("terminated mailbox")

	// Bounce still-queued requests back to their senders so pending
	// callers observe the termination instead of hanging.
	for {
		raw, err := f.client.LPop(ctx, f.queueKey(id)).Result()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("terminate: drain queue: %w", err)
		}
		if raw == closeSentinel {
			continue
		}
		queued, err := message.Decode([]byte(raw))
		if err != nil {
			f.log.Warn().Err(err).Msg("dropping undecodable message while draining mailbox")
			continue
		}
		if !queued.Kind.IsRequest() || queued.Kind == message.KindShutdown {
			continue
		}
		reply := queued.ErrorResponse(message.CodeTerminated, exchange.TerminatedError{ID: id})
		encoded, err := message.Encode(reply)
		if err != nil {
			continue
		}
		srcState, err := f.client.Get(ctx, f.activeKey(queued.Src)).Result()
		if err != nil || srcState != stateActive {
			continue
		}
		if err := f.client.RPush(ctx, f.queueKey(queued.Src), encoded).Err(); err != nil {
			f.log.Warn().Err(err).Stringer("src", queued.Src).Msg("failed to bounce request to sender")
		}
	}

	// Release receivers already blocked on the queue.
	if err := f.client.RPush(ctx, f.queueKey(id), closeSentinel).Err(); err != nil {
		return fmt.Errorf("terminate: push sentinel: %w", err)
	}
	return nil
}

// Close is a no-op: the Redis connection pool is owned by the factory.
func (t *transport) Close() error { return nil }
