// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quotapersist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KafkaProducer is a minimal abstraction over a Kafka client. No Kafka
// client library is vendored in this module; wire a real one (e.g.
// segmentio/kafka-go) behind this interface in deployments that want an
// audit stream. Requirements for a real implementation: idempotent
// production enabled, and CommitID used as the message key so broker
// dedup preserves per-key ordering.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaPersister publishes quota commits to Kafka as an append-only audit
// trail. It does not materialize state locally; consumers are expected to
// track the last-applied CommitID per Key and ignore duplicates.
type KafkaPersister struct {
	producer       KafkaProducer
	topic          string
	defaultTimeout time.Duration
}

// NewKafkaPersister builds a persister that publishes to topic.
func NewKafkaPersister(p KafkaProducer, topic string) *KafkaPersister {
	return &KafkaPersister{producer: p, topic: topic, defaultTimeout: 10 * time.Second}
}

// commitMessage is the serialized payload sent to Kafka.
type commitMessage struct {
	Key          string `json:"key"`
	Vector       int64  `json:"vector"`
	CommitID     string `json:"commit_id"`
	FencingToken *int64 `json:"fencing_token,omitempty"`
	TsUnixMs     int64  `json:"ts_unix_ms"`
}

// CommitBatch publishes one message per entry.
func (k *KafkaPersister) CommitBatch(ctx context.Context, entries []CommitEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	nowMs := time.Now().UnixMilli()
	for _, e := range entries {
		if e.CommitID == "" {
			return errors.New("quotapersist: CommitEntry.CommitID must be set")
		}
		msg := commitMessage{Key: e.Key, Vector: e.Vector, CommitID: e.CommitID, FencingToken: e.FencingToken, TsUnixMs: nowMs}
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("quotapersist kafka marshal: %w", err)
		}
		headers := map[string]string{"content-type": "application/json"}
		if err := k.producer.Produce(ctx, k.topic, []byte(e.CommitID), b, headers); err != nil {
			return fmt.Errorf("quotapersist kafka produce key=%s commit=%s: %w", e.Key, e.CommitID, err)
		}
	}
	return nil
}

// LoggingKafkaProducer is a dependency-free producer used when no real
// Kafka client is configured: it records the message instead of shipping
// it, so the audit-stream code path stays exercised in tests/demos.
type LoggingKafkaProducer struct {
	Produced []struct {
		Topic   string
		Key     string
		Value   string
		Headers map[string]string
	}
}

func (l *LoggingKafkaProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	l.Produced = append(l.Produced, struct {
		Topic   string
		Key     string
		Value   string
		Headers map[string]string
	}{Topic: topic, Key: string(key), Value: string(value), Headers: headers})
	return nil
}
