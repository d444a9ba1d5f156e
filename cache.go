package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ===========================
// TTL Store
// ===========================

// TTLStore is a concurrency-safe key-value store with per-entry expiry.
// It backs queue snapshots and search memoization and can persist itself
// to a JSON file across restarts.
type TTLStore struct {
	sync.RWMutex
	items map[string]ttlEntry
	now   func() time.Time
}

type ttlEntry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func NewTTLStore() *TTLStore {
	return &TTLStore{
		items: make(map[string]ttlEntry),
		now:   time.Now,
	}
}

// Get returns the raw value for key, purging it first if expired.
func (s *TTLStore) Get(key string) (json.RawMessage, bool) {
	s.Lock()
	defer s.Unlock()

	entry, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if s.now().After(entry.ExpiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return entry.Value, true
}

func (s *TTLStore) Set(key string, value json.RawMessage, ttl time.Duration) {
	s.Lock()
	defer s.Unlock()

	now := s.now()
	s.items[key] = ttlEntry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (s *TTLStore) Delete(key string) {
	s.Lock()
	defer s.Unlock()
	delete(s.items, key)
}

func (s *TTLStore) Clear() {
	s.Lock()
	defer s.Unlock()
	s.items = make(map[string]ttlEntry)
}

func (s *TTLStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.items)
}

// CleanupExpired removes every expired entry and reports how many were removed.
func (s *TTLStore) CleanupExpired() int {
	s.Lock()
	defer s.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.items {
		if now.After(entry.ExpiresAt) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// --- Typed helpers ---

func (s *TTLStore) GetJSON(key string, out any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.Delete(key)
		return false
	}
	return true
}

func (s *TTLStore) SetJSON(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.Set(key, raw, ttl)
	return nil
}

// --- Persistence ---

// LoadFromDisk restores the store from path. Entries already expired at load
// time are skipped. A missing file is not an error.
func (s *TTLStore) LoadFromDisk(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries map[string]ttlEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	now := s.now()
	skipped := 0
	for key, entry := range entries {
		if now.After(entry.ExpiresAt) {
			skipped++
			continue
		}
		s.items[key] = entry
	}
	LogCache(MsgCacheLoaded, len(s.items), path, skipped)
	return nil
}

// SaveToDisk persists all live entries to path.
func (s *TTLStore) SaveToDisk(path string) error {
	s.Lock()
	now := s.now()
	entries := make(map[string]ttlEntry, len(s.items))
	for key, entry := range s.items {
		if now.After(entry.ExpiresAt) {
			delete(s.items, key)
			continue
		}
		entries[key] = entry
	}
	s.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	LogCache(MsgCacheSaved, len(entries), path)
	return nil
}

// --- Sweep Daemon ---

// RunSweeper blocks until done is closed, sweeping expired entries at the
// configured interval. Registered as a daemon by the loader.
func (s *TTLStore) RunSweeper(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if removed := s.CleanupExpired(); removed > 0 {
				LogCache(MsgCacheSweep, removed)
			}
		}
	}
}
