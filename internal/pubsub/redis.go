package pubsub

import (
	"context"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// pingInterval keeps idle subscriptions alive; the read timeout must outlast it.
const pingInterval = time.Minute

var _ PubSub = (*Redis)(nil)

type Redis struct {
	config config.Redis
	pool   *redis.Pool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedis(cfg config.Redis) (*Redis, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	r := &Redis{config: cfg}
	r.pool = &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial:        r.dial,
		TestOnBorrow: func(c redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < pingInterval {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if err := r.Check(); err != nil {
		_ = r.pool.Close()
		return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.Address)
	}
	return r, nil
}

func (r *Redis) dial() (redis.Conn, error) {
	return redis.Dial(r.config.Network, r.config.Address,
		redis.DialReadTimeout(pingInterval+10*time.Second),
		redis.DialWriteTimeout(10*time.Second),
		redis.DialPassword(r.config.Password))
}

// Subscribe listens on channel until Close is called or the connection
// breaks.
func (r *Redis) Subscribe(channel string, handler PubSubHandler, onStart func() error) error {
	c, err := r.dial()
	if err != nil {
		return errors.Wrap(err, "failed to open redis subscription connection")
	}
	defer c.Close()

	psc := redis.PubSubConn{Conn: c}
	if err := psc.Subscribe(channel); err != nil {
		return errors.Wrapf(err, "failed to subscribe to %s", channel)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.receive(psc, handler, onStart)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if err := psc.Ping(""); err != nil {
				log.Warnf("redis subscription ping failed: %s", err)
				_ = psc.Unsubscribe()
				return <-done
			}
		case <-r.ctx.Done():
			if err := psc.Unsubscribe(); err != nil {
				return err
			}
			return <-done
		}
	}
}

func (r *Redis) receive(psc redis.PubSubConn, handler PubSubHandler, onStart func() error) error {
	for {
		switch n := psc.Receive().(type) {
		case error:
			return n
		case redis.Message:
			log.Tracef("channel: %s, message: %s", n.Channel, n.Data)
			handler(r.ctx, n.Data)
		case redis.Subscription:
			switch {
			case n.Kind == "subscribe" && onStart != nil:
				if err := onStart(); err != nil {
					return err
				}
			case n.Count == 0:
				return nil
			}
		}
	}
}

func (r *Redis) Publish(channel string, message []byte) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("PUBLISH", channel, message)
	return err
}

func (r *Redis) Check() error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("PING")
	return err
}

func (r *Redis) Close() error {
	r.cancel()
	return r.pool.Close()
}
