// Package redis publishes pipeline events to redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/flashbots/bundle-submitter/relay"
	"github.com/redis/go-redis/v9"
)

var ErrOutcomeNotFound = relay.ErrBundleNotFound

// storedEvent decodes any bundle event stored by Handle.
type storedEvent struct {
	Kind events.Kind `json:"kind"`
	Data struct {
		BundleID    common.Hash `json:"bundleId"`
		TargetBlock uint64      `json:"targetBlock"`
		GasUsed     uint64      `json:"gasUsed"`
		Status      string      `json:"status"`
		Reason      string      `json:"reason"`
	} `json:"data"`
}

// EventPublisher publishes every event to a pub/sub channel and keeps the last event
// of each bundle under a key that expires after expireDuration.
type EventPublisher struct {
	client         *redis.Client
	channel        string
	expireDuration time.Duration
	keyPrefix      string
}

func NewEventPublisher(client *redis.Client, channel string, expireDuration time.Duration, keyPrefix string) *EventPublisher {
	return &EventPublisher{
		client:         client,
		channel:        channel,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (p *EventPublisher) Handle(ctx context.Context, ev events.Event) error {
	data, err := events.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	if id, ok := bundleID(ev); ok {
		pipe.Set(ctx, p.keyPrefix+id.Hex(), data, p.expireDuration)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Outcome returns the last published event of a bundle in its marshaled form.
func (p *EventPublisher) Outcome(ctx context.Context, id common.Hash) ([]byte, error) {
	data, err := p.client.Get(ctx, p.keyPrefix+id.Hex()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOutcomeNotFound
	}
	return data, err
}

// Bundle rebuilds the last known state of a bundle from its stored event.
func (p *EventPublisher) Bundle(ctx context.Context, id common.Hash) (*relay.Bundle, error) {
	data, err := p.Outcome(ctx, id)
	if err != nil {
		return nil, err
	}
	var ev storedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	b := &relay.Bundle{
		ID:          ev.Data.BundleID,
		TargetBlock: ev.Data.TargetBlock,
		GasUsed:     ev.Data.GasUsed,
		Reason:      ev.Data.Reason,
	}
	switch ev.Kind {
	case events.KindBundleSubmitted:
		b.Status = relay.StatusPending
	case events.KindBundleIncluded:
		b.Status = relay.StatusIncluded
	case events.KindBundleMissed:
		b.Status = relay.StatusMissed
	default:
		b.Status = relay.Status(ev.Data.Status)
		if b.Status == "" {
			b.Status = relay.StatusError
		}
	}
	return b, nil
}

func bundleID(ev events.Event) (common.Hash, bool) {
	switch e := ev.(type) {
	case events.BundleSubmitted:
		return e.BundleID, true
	case events.BundleIncluded:
		return e.BundleID, true
	case events.BundleMissed:
		return e.BundleID, true
	case events.BundleError:
		return e.BundleID, true
	default:
		return common.Hash{}, false
	}
}
