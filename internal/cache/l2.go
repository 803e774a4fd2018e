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

package cache

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// L2 is the compressed, size-capped on-disk tier. Keys are content-addressed
// under rootDir so lookups never need a directory scan. Writes are atomic:
// write to a temp file beside the target, fsync, then rename — the same
// discipline applied to every transactional commit in
// persistence/postgres.go, re-targeted here from a SQL transaction to a
// filesystem rename.
type L2 struct {
	rootDir  string
	maxBytes int64
	policy   Policy
	compress bool

	mu    sync.Mutex
	index map[string]*Entry // metadata only; Value is read from disk lazily
	tags  *tagIndex
	bytes int64
}

// NewL2 builds an on-disk tier rooted at rootDir, creating it if absent.
func NewL2(rootDir string, maxBytes int64, policy Policy, compress bool) (*L2, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, err
	}
	return &L2{
		rootDir:  rootDir,
		maxBytes: maxBytes,
		policy:   policy,
		compress: compress,
		index:    make(map[string]*Entry),
		tags:     newTagIndex(),
	}, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (l *L2) pathFor(key string) string {
	h := hashKey(key)
	return filepath.Join(l.rootDir, h[:2], h)
}

// Get reads and decompresses the value for key, if present on disk.
func (l *L2) Get(key string) (*Entry, bool, error) {
	l.mu.Lock()
	meta, ok := l.index[key]
	l.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if meta.expired(time.Now()) {
		_ = l.Delete(key)
		return nil, false, nil
	}

	raw, err := os.ReadFile(l.pathFor(key))
	if os.IsNotExist(err) {
		l.mu.Lock()
		delete(l.index, key)
		l.mu.Unlock()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := l.decode(raw)
	if err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	meta.HitCount++
	meta.LastAccessedAt = time.Now()
	if meta.HitCount >= hotThreshold {
		meta.Hot = true
	}
	l.mu.Unlock()

	cp := *meta
	cp.Value = value
	cp.Tier = TierL2
	return &cp, true, nil
}

// Set atomically persists e to disk and updates the in-memory index.
func (l *L2) Set(e *Entry) error {
	path := l.pathFor(e.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	encoded, err := l.encode(e.Value)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "entry-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	l.mu.Lock()
	if old, ok := l.index[e.Key]; ok {
		l.tags.remove(e.Key, old.Tags)
		l.bytes -= old.SizeBytes
	}
	meta := *e
	meta.Value = nil
	meta.Tier = TierL2
	meta.SizeBytes = int64(len(encoded))
	l.index[e.Key] = &meta
	l.tags.add(e.Key, e.Tags)
	l.bytes += meta.SizeBytes
	l.mu.Unlock()

	return nil
}

// Delete removes key from disk and from the index.
func (l *L2) Delete(key string) error {
	l.mu.Lock()
	meta, ok := l.index[key]
	if ok {
		delete(l.index, key)
		l.tags.remove(key, meta.Tags)
		l.bytes -= meta.SizeBytes
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	err := os.Remove(l.pathFor(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteByTag removes every key carrying tag and returns the removed keys.
func (l *L2) DeleteByTag(tag string) []string {
	l.mu.Lock()
	keys := l.tags.keysForTag(tag)
	l.mu.Unlock()

	removed := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.Delete(k); err == nil {
			removed = append(removed, k)
		}
	}
	return removed
}

func (l *L2) encode(value []byte) ([]byte, error) {
	if !l.compress {
		return value, nil
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(value); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (l *L2) decode(raw []byte) ([]byte, error) {
	if !l.compress {
		return raw, nil
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	return io.ReadAll(r)
}

// Sweep evicts entries, batched, until curBytes <= maxBytes. Intended to be
// driven by a background ticker owned by the Coordinator (see
// core/worker.go's commit/eviction loop split for the lineage of this
// start/stop-free, externally-driven-tick design).
func (l *L2) Sweep(batchSize int) (evicted int) {
	for {
		l.mu.Lock()
		over := l.maxBytes > 0 && l.bytes > l.maxBytes
		l.mu.Unlock()
		if !over || evicted >= batchSize {
			return
		}
		key, ok := l.pickVictim()
		if !ok {
			return
		}
		if err := l.Delete(key); err == nil {
			evicted++
		}
	}
}

func (l *L2) pickVictim() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var victimKey string
	var victim *Entry
	for key, e := range l.index {
		if e.Hot {
			continue
		}
		if victim == nil || better(l.policy, e, victim, now) {
			victimKey, victim = key, e
		}
	}
	if victim == nil {
		for key, e := range l.index {
			if victim == nil || better(l.policy, e, victim, now) {
				victimKey, victim = key, e
			}
		}
	}
	return victimKey, victim != nil
}

// Stats summarizes L2 occupancy.
func (l *L2) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Entries: len(l.index), Bytes: l.bytes}
}
