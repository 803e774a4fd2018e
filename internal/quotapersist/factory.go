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
	"time"

	"flashpipe/internal/db"
)

// Options configures the optional mirror/audit adapters built by Build.
type Options struct {
	RedisAddr      string        // empty disables the Redis mirror
	RedisMarkerTTL time.Duration
	KafkaTopic     string // empty with a nil KafkaProducer disables the Kafka audit stream; empty with a producer uses "flashpipe-quota-commits"
	KafkaProducer  KafkaProducer // nil uses a LoggingKafkaProducer when KafkaTopic is set
}

// Build constructs the SQLite primary persister plus, per Options, an
// optional Redis mirror and Kafka audit stream, fanned out by FanOut. Either
// optional adapter's failure does not fail the commit: the primary is the
// system of record (see FanOut).
func Build(exec *db.Executor, opts Options) Persister {
	primary := NewSQLitePersister(exec)

	var mirrors []Persister
	if opts.RedisAddr != "" {
		mirrors = append(mirrors, NewRedisPersister(NewGoRedisEvaler(opts.RedisAddr), opts.RedisMarkerTTL))
	}
	if opts.KafkaTopic != "" || opts.KafkaProducer != nil {
		topic := opts.KafkaTopic
		if topic == "" {
			topic = "flashpipe-quota-commits"
		}
		producer := opts.KafkaProducer
		if producer == nil {
			producer = &LoggingKafkaProducer{}
		}
		mirrors = append(mirrors, NewKafkaPersister(producer, topic))
	}
	if len(mirrors) == 0 {
		return primary
	}
	return &FanOut{Primary: primary, Mirrors: mirrors}
}

// FanOut commits to Primary first; only on success does it best-effort
// commit to each Mirror. A mirror failure never fails the commit: CommitBatch
// returns nil once the primary has succeeded, and each mirror error is passed
// to OnMirrorError when that is set.
type FanOut struct {
	Primary Persister
	Mirrors []Persister

	// OnMirrorError, if set, is invoked with each mirror's error instead of
	// being silently dropped.
	OnMirrorError func(error)
}

// CommitBatch implements Persister.
func (f *FanOut) CommitBatch(ctx context.Context, entries []CommitEntry) error {
	if err := f.Primary.CommitBatch(ctx, entries); err != nil {
		return err
	}
	for _, m := range f.Mirrors {
		if err := m.CommitBatch(ctx, entries); err != nil && f.OnMirrorError != nil {
			f.OnMirrorError(err)
		}
	}
	return nil
}
