// Package relay forwards selected events to the HA peer over NATS.
//
// Only events matching the configured allow-list globs cross the wire;
// everything else stays node-local. Received peer events are injected into
// the local bus under their original names. Envelopes carry the origin
// node id so a relayed event is never re-relayed.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/eventbus"
	"github.com/truenas/middleware-sub024/pkg/retry"
)

// DefaultSubject is the NATS subject events cross on.
const DefaultSubject = "middleware.events.relay"

// Bus is the local event fabric surface the relay needs.
type Bus interface {
	Publish(name string, payload any)
	Subscribe(glob string) (*eventbus.Subscription, error)
	Unsubscribe(id uint64)
}

// Config tunes the relay.
type Config struct {
	URL       string
	Subject   string
	NodeID    string
	AllowList []string
}

// envelope is the wire shape of a relayed event.
type envelope struct {
	Node    string `json:"node"`
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Relay bridges the local event bus and the HA peer.
type Relay struct {
	cfg    Config
	bus    Bus
	logger *slog.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	natsSub *nats.Subscription
	busSub  *eventbus.Subscription
	started bool
	wg      sync.WaitGroup
}

// New creates a relay. An empty allow-list disables outbound forwarding
// entirely.
func New(cfg Config, bus Bus, logger *slog.Logger) (*Relay, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.KindValidation, "relay requires a broker URL")
	}
	if cfg.NodeID == "" {
		return nil, errors.New(errors.KindValidation, "relay requires a node id")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	for _, glob := range cfg.AllowList {
		if err := eventbus.ValidateGlob(glob); err != nil {
			return nil, errors.Wrap(err, "relay", "New", "allow-list validation")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, bus: bus, logger: logger}, nil
}

// Start connects to the broker with persistent backoff and begins
// forwarding in both directions.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.ErrAlreadyStarted
	}

	conn, err := retry.DoWithResult(ctx, retry.Persistent(), func() (*nats.Conn, error) {
		return nats.Connect(r.cfg.URL,
			nats.Name("middleware-relay-"+r.cfg.NodeID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	})
	if err != nil {
		return errors.WrapKind(err, errors.KindUnavailable, "relay", "Start", "broker connection")
	}
	r.conn = conn

	natsSub, err := conn.Subscribe(r.cfg.Subject, r.receive)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "relay", "Start", "peer subscription")
	}
	r.natsSub = natsSub

	busSub, err := r.bus.Subscribe("*")
	if err != nil {
		natsSub.Unsubscribe()
		conn.Close()
		return errors.Wrap(err, "relay", "Start", "local bus subscription")
	}
	r.busSub = busSub

	r.wg.Add(1)
	go r.forward()

	r.started = true
	r.logger.Info("Event relay started", "url", r.cfg.URL,
		"subject", r.cfg.Subject, "allow_list", r.cfg.AllowList)
	return nil
}

// Stop detaches from both sides and drains the broker connection.
func (r *Relay) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.bus.Unsubscribe(r.busSub.ID())
	r.natsSub.Unsubscribe()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		r.conn.Close()
		return errors.Newf(errors.KindTimeout, "relay stop timed out after %v", timeout)
	}

	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
	}
	return nil
}

// Allowed reports whether an event name may cross to the peer.
func (r *Relay) Allowed(name string) bool {
	for _, glob := range r.cfg.AllowList {
		if eventbus.MatchGlob(glob, name) {
			return true
		}
	}
	return false
}

// forward pumps allow-listed local events to the broker until the bus
// subscription closes.
func (r *Relay) forward() {
	defer r.wg.Done()
	for ev := range r.busSub.C() {
		if !r.Allowed(ev.Name) {
			continue
		}
		if r.isRelayed(ev.Payload) {
			continue
		}
		data, err := json.Marshal(envelope{Node: r.cfg.NodeID, Name: ev.Name, Payload: ev.Payload})
		if err != nil {
			r.logger.Warn("Cannot encode relayed event", "event", ev.Name, "error", err)
			continue
		}
		if err := r.conn.Publish(r.cfg.Subject, data); err != nil {
			r.logger.Warn("Cannot forward event to peer", "event", ev.Name, "error", err)
		}
	}
}

// receive injects a peer event into the local bus, tagging the payload so
// forward never echoes it back.
func (r *Relay) receive(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("Cannot decode peer event", "error", err)
		return
	}
	if env.Node == r.cfg.NodeID {
		return
	}
	payload := env.Payload
	if fields, ok := payload.(map[string]any); ok {
		tagged := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			tagged[k] = v
		}
		tagged["_relayed_from"] = env.Node
		payload = tagged
	}
	r.bus.Publish(env.Name, payload)
}

// isRelayed reports whether a payload originated on the peer.
func (r *Relay) isRelayed(payload any) bool {
	fields, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	_, relayed := fields["_relayed_from"]
	return relayed
}
