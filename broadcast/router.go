// Package broadcast delivers routed envelopes to every live session of an
// identity, on this node and, when a shared pub/sub is configured, on peers.
package broadcast

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/relaychat/server/cache"
	"github.com/relaychat/server/presence"
	"github.com/relaychat/server/protocol"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	publishTimeout = 2 * time.Second
	relayQueueSize = 1024
)

type relayKind string

const (
	kindEnvelope relayKind = "envelope"
	kindKick     relayKind = "kick"
)

// relayMessage is what travels between nodes on the relay channel.
type relayMessage struct {
	Origin   string              `json:"origin"`
	Kind     relayKind           `json:"kind"`
	Identity string              `json:"identity"`
	Envelope jsoniter.RawMessage `json:"envelope,omitempty"`
}

// Router fans envelopes out through the local presence registry and, if a
// PubSub is attached, republishes them for other nodes. Republishing goes
// through a bounded queue drained by the goroutine Start launches, so a slow
// broker never holds up the caller.
type Router struct {
	reg     *presence.Registry
	pubsub  cache.PubSub // nil when running single-node
	outbox  chan relayMessage
	nodeID  string
	channel string
	logger  *zap.Logger
}

// New creates a Router. pubsub may be nil.
func New(reg *presence.Registry, pubsub cache.PubSub, nodeID, channel string, logger *zap.Logger) *Router {
	r := &Router{reg: reg, pubsub: pubsub, nodeID: nodeID, channel: channel, logger: logger}
	if pubsub != nil {
		r.outbox = make(chan relayMessage, relayQueueSize)
	}
	return r
}

// Route delivers {source, data} to every session of identity. Delivery is
// best effort: offline identities and full session buffers are not errors.
// It returns the number of local sessions that accepted the envelope.
func (r *Router) Route(ctx context.Context, identity string, source protocol.Op, data any) (int, error) {
	frame, err := protocol.EncodeRouted(source, data)
	if err != nil {
		return 0, err
	}
	return r.RouteRaw(ctx, identity, frame), nil
}

// RouteRaw delivers a pre-encoded envelope.
func (r *Router) RouteRaw(ctx context.Context, identity string, frame []byte) int {
	n := r.reg.Fanout(identity, frame)
	r.enqueue(relayMessage{Origin: r.nodeID, Kind: kindEnvelope, Identity: identity, Envelope: frame})
	return n
}

// Kick closes every session of identity on every node and returns the
// number closed locally.
func (r *Router) Kick(ctx context.Context, identity string) int {
	n := r.reg.Kick(identity)
	r.enqueue(relayMessage{Origin: r.nodeID, Kind: kindKick, Identity: identity})
	return n
}

// enqueue hands msg to the relay publisher without blocking. When the queue
// is full the message is dropped, like a full session buffer.
func (r *Router) enqueue(msg relayMessage) {
	if r.outbox == nil {
		return
	}
	select {
	case r.outbox <- msg:
	default:
		r.logger.Warn("relay queue full, dropping",
			zap.String("username", msg.Identity),
			zap.String("kind", string(msg.Kind)))
	}
}

func (r *Router) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.outbox:
			r.publish(ctx, msg)
		}
	}
}

func (r *Router) publish(ctx context.Context, msg relayMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("relay marshal", zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.pubsub.Publish(pctx, r.channel, string(payload)); err != nil {
		r.logger.Warn("relay publish failed",
			zap.String("username", msg.Identity),
			zap.Error(err))
	}
}

// Start subscribes to the relay channel, then delivers messages published by
// other nodes and publishes queued local ones until ctx is cancelled. It is
// a no-op without a PubSub.
func (r *Router) Start(ctx context.Context) error {
	if r.pubsub == nil {
		return nil
	}
	msgs, cancel, err := r.pubsub.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	go r.publishLoop(ctx)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				r.deliver(m)
			}
		}
	}()
	r.logger.Info("broadcast relay started",
		zap.String("node_id", r.nodeID),
		zap.String("channel", r.channel))
	return nil
}

func (r *Router) deliver(m *cache.Message) {
	var msg relayMessage
	if err := json.UnmarshalFromString(m.Payload, &msg); err != nil {
		r.logger.Warn("relay message malformed", zap.Error(err))
		return
	}
	if msg.Origin == r.nodeID {
		return
	}
	switch msg.Kind {
	case kindEnvelope:
		r.reg.Fanout(msg.Identity, msg.Envelope)
	case kindKick:
		r.reg.Kick(msg.Identity)
	}
}
