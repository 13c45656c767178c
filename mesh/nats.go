package mesh

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/metric"
	"github.com/c360/dbusbridge/natsclient"
)

// NATSConfig configures the NATS mesh adapter
type NATSConfig struct {
	// Bucket is the JetStream KV bucket holding published values.
	Bucket string
	// WritePrefix is prepended to a path to form its write subject.
	WritePrefix string
	// MetricsInterval controls how often bucket gauges are refreshed.
	MetricsInterval time.Duration

	Logger   *slog.Logger
	Registry metric.MetricsRegistrar
}

// DefaultNATSConfig returns the adapter defaults
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Bucket:          "dbusbridge",
		WritePrefix:     "dbusbridge.write",
		MetricsInterval: 30 * time.Second,
	}
}

// writeRequest is the body a mesh client sends to a write subject
type writeRequest struct {
	Args []Value `json:"args"`
}

// writeResponse is the reply to a write carrying a reply inbox
type writeResponse struct {
	Value *Value     `json:"value,omitempty"`
	Error *WireError `json:"error,omitempty"`
}

// NATSConn implements Conn over a natsclient.Client. Values live in a KV
// bucket keyed by path; writes arrive as requests on WritePrefix.<path> and
// the reply inbox is the request id.
type NATSConn struct {
	client *natsclient.Client
	cfg    NATSConfig
	logger *slog.Logger

	mu   sync.Mutex
	kv   *natsclient.KVStore
	lost chan struct{}
	down bool

	stopPoll context.CancelFunc
}

// NewNATSConn creates the adapter. The client's health callback is taken
// over to drive Lost.
func NewNATSConn(client *natsclient.Client, cfg NATSConfig) *NATSConn {
	defaults := DefaultNATSConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.WritePrefix == "" {
		cfg.WritePrefix = defaults.WritePrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &NATSConn{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "mesh"),
		lost:   make(chan struct{}),
	}
	client.OnHealthChange(c.onHealth)
	return c
}

func (c *NATSConn) onHealth(healthy bool) {
	if healthy {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.down {
		c.down = true
		close(c.lost)
		c.logger.Warn("mesh connection lost")
	}
}

// Lost implements Conn
func (c *NATSConn) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// Ready waits for the NATS connection, opens the value bucket and re-arms Lost
func (c *NATSConn) Ready(ctx context.Context) error {
	if err := c.client.WaitForConnection(ctx); err != nil {
		return errors.WrapTransient(err, "NATSConn", "Ready", "wait for connection")
	}

	c.mu.Lock()
	haveKV := c.kv != nil
	c.mu.Unlock()

	if !haveKV {
		bucket, err := c.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      c.cfg.Bucket,
			Description: "dbusbridge published values",
			History:     1,
		})
		if err != nil {
			return errors.WrapTransient(err, "NATSConn", "Ready", "open bucket "+c.cfg.Bucket)
		}

		var opts []func(*natsclient.KVOptions)
		if c.cfg.Registry != nil {
			opts = append(opts, natsclient.WithKVMetrics(c.cfg.Registry))
		}
		kv := c.client.NewKVStore(bucket, opts...)

		c.mu.Lock()
		c.kv = kv
		if c.cfg.Registry != nil && c.cfg.MetricsInterval > 0 {
			pollCtx, cancel := context.WithCancel(context.Background())
			c.stopPoll = cancel
			go kv.PollMetrics(pollCtx, c.cfg.MetricsInterval)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.down {
		c.lost = make(chan struct{})
		c.down = false
	}
	c.mu.Unlock()

	c.logger.Debug("mesh ready", "bucket", c.cfg.Bucket)
	return nil
}

// Close stops background bucket polling. The NATS client is owned by the caller.
func (c *NATSConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
}

func (c *NATSConn) store() (*natsclient.KVStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kv == nil {
		return nil, errors.ErrMeshDisconnected
	}
	return c.kv, nil
}

func (c *NATSConn) put(ctx context.Context, path Path, v Value) error {
	kv, err := c.store()
	if err != nil {
		return err
	}
	data, err := Encode(v)
	if err != nil {
		return errors.WrapInvalid(err, "NATSConn", "Publish", "encode value at "+path.String())
	}
	if _, err := kv.Put(ctx, path.String(), data); err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrPublishFailed, err), "NATSConn", "Publish", "put "+path.String())
	}
	return nil
}

// Publish implements Conn
func (c *NATSConn) Publish(ctx context.Context, path Path, v Value) (Publication, error) {
	if err := c.put(ctx, path, v); err != nil {
		return nil, err
	}
	return &natsPublication{conn: c, path: path}, nil
}

// Subscribe implements Conn. nats.go delivers a subscription's messages on a
// single goroutine, which gives handlers their in-order guarantee.
func (c *NATSConn) Subscribe(ctx context.Context, path Path, h WriteHandler) (Subscription, error) {
	subject := c.cfg.WritePrefix + "." + path.String()
	sub, err := c.client.Subscribe(ctx, subject, func(ctx context.Context, msg *nats.Msg) {
		var req writeRequest
		if len(msg.Data) > 0 {
			if err := wire.Unmarshal(msg.Data, &req); err != nil {
				c.logger.Debug("malformed write", "path", path, "error", err)
				if msg.Reply != "" {
					_ = c.Respond(ctx, msg.Reply, Null(), &WireError{
						Kind:    "InvalidArguments",
						Message: fmt.Sprintf("malformed request: %v", err),
					})
				}
				return
			}
		}
		h(Write{RequestID: msg.Reply, Path: path, Args: req.Args})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Respond implements Conn
func (c *NATSConn) Respond(ctx context.Context, requestID string, result Value, err error) error {
	if requestID == "" {
		return nil
	}

	var resp writeResponse
	if err != nil {
		resp.Error = ToWireError(err)
	} else {
		resp.Value = &result
	}

	data, encErr := wire.Marshal(&resp)
	if encErr != nil {
		return errors.WrapInvalid(encErr, "NATSConn", "Respond", "encode response")
	}
	if pubErr := c.client.Publish(ctx, requestID, data); pubErr != nil {
		return errors.WrapTransient(pubErr, "NATSConn", "Respond", "publish reply")
	}
	return nil
}

// Purge implements Conn by purging every key at or below root
func (c *NATSConn) Purge(ctx context.Context, root Path) error {
	kv, err := c.store()
	if err != nil {
		return err
	}

	keys, err := kv.Keys(ctx, func(key string) bool { return Path(key).Under(root) })
	if err != nil {
		return errors.WrapTransient(err, "NATSConn", "Purge", "list keys")
	}

	for _, key := range keys {
		if err := kv.Purge(ctx, key); err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.WrapTransient(err, "NATSConn", "Purge", "purge "+key)
		}
	}

	if len(keys) > 0 {
		c.logger.Info("purged stale mesh values", "root", root, "count", len(keys))
	}
	return nil
}

type natsPublication struct {
	conn *NATSConn
	path Path
}

func (p *natsPublication) Path() Path { return p.path }

func (p *natsPublication) Update(ctx context.Context, v Value) error {
	return p.conn.put(ctx, p.path, v)
}

func (p *natsPublication) Withdraw(ctx context.Context) error {
	kv, err := p.conn.store()
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, p.path.String()); err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
		return errors.WrapTransient(err, "NATSConn", "Withdraw", "delete "+p.path.String())
	}
	return nil
}
