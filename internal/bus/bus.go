// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus is the in-process event bus connecting the managers to the
// correlator and the GUI hub. It wraps Watermill's gochannel Pub/Sub with
// JSON payload encoding; events from a single publisher are delivered in
// publish order, events across publishers carry no ordering guarantee.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
)

// Topics published by the managers.
const (
	// TopicStatus carries events.StatusUpdate from every manager.
	TopicStatus = "manager.status"
	// TopicHeartbeat carries manager.Heartbeat liveness signals.
	TopicHeartbeat = "manager.heartbeat"
	// TopicRecordingStatus carries events.RecordingStatus notifications.
	TopicRecordingStatus = "recording.status"
	// TopicRecordingSplit carries events.RecordingSplit notifications.
	TopicRecordingSplit = "recording.split"
	// TopicRecordingStats carries events.RecordingStats poll results.
	TopicRecordingStats = "recording.stats"
	// TopicGameEvent carries events.DomainEvent from the log monitor.
	TopicGameEvent = "game.event"
	// TopicGameStatus carries events.GameStatus from the game monitor.
	TopicGameStatus = "game.status"
	// TopicInstanceDetected carries events.InstanceDetected from race mode.
	TopicInstanceDetected = "game.instance_detected"
	// TopicEngineProcess carries events.ProcessStateChange from the process supervisor.
	TopicEngineProcess = "engine.process"
	// TopicEngineConnection carries events.ConnectionStateChange from the RPC manager.
	TopicEngineConnection = "engine.connection"
	// TopicUnexpectedExit carries events.UnexpectedExit from the process supervisor.
	TopicUnexpectedExit = "engine.unexpected_exit"
	// TopicConnectionFailed carries events.ConnectionFailed from the RPC manager.
	TopicConnectionFailed = "engine.connection_failed"
	// TopicError carries events.ErrorEvent.
	TopicError = "error"
	// TopicEventsSaved carries events.EventsSaved seal outcomes.
	TopicEventsSaved = "session.events_saved"
	// TopicCaptured carries events.CapturedEvent for live display.
	TopicCaptured = "session.captured"
	// TopicState carries correlator state snapshots for the GUI.
	TopicState = "state"
)

// Bus is a thin wrapper over a gochannel Pub/Sub.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates an in-process bus. Subscribers registered after a publish do
// not receive earlier messages.
func New(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger),
	}
}

// Publish marshals the payload to JSON and publishes it on the topic.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
}

// Subscribe returns a channel of raw messages for the topic. The channel is
// closed when ctx is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down; all subscriber channels are closed.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Decode unmarshals a message payload into v and acks the message. The ack
// happens regardless of decode success: gochannel redelivery of a malformed
// payload can never succeed.
func Decode(msg *message.Message, v any) error {
	defer msg.Ack()
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode message %s: %w", msg.UUID, err)
	}
	return nil
}
