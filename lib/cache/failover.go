// Copyright 2024 polaris-contrib
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

// persistedEntry is the on-disk form of one cache entry. One JSON file per
// resource key under the persist dir.
type persistedEntry struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Service   string `json:"service"`
	FileName  string `json:"file_name,omitempty"`
	Revision  string `json:"revision"`

	Instances  *persistedInstances `json:"instances,omitempty"`
	ConfigFile *types.ConfigFile   `json:"config_file,omitempty"`
}

type persistedInstances struct {
	Metadata  map[string]string `json:"metadata,omitempty"`
	Instances []*types.Instance `json:"instances"`
}

// FailoverStoreConfig configures the disk failover store.
type FailoverStoreConfig struct {
	// Dir is the persist directory, created on first write.
	Dir string
	// MaxReadRetry and MaxWriteRetry bound the retry budget of one
	// operation.
	MaxReadRetry  int
	MaxWriteRetry int
	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
	// Log is the store logger.
	Log *slog.Logger
}

func (c *FailoverStoreConfig) checkAndSetDefaults() error {
	if c.Dir == "" {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "missing failover store directory"))
	}
	if c.MaxReadRetry <= 0 {
		c.MaxReadRetry = 1
	}
	if c.MaxWriteRetry <= 0 {
		c.MaxWriteRetry = 1
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(polaris.ComponentKey, polaris.ComponentFailover)
	return nil
}

// FailoverStore keeps the last successfully received payload of every
// naming and config resource on disk, for cold-start reads when the control
// plane is unreachable. Writes are atomic via write-temp + rename.
type FailoverStore struct {
	cfg FailoverStoreConfig
	log *slog.Logger
}

// NewFailoverStore builds a store rooted at cfg.Dir.
func NewFailoverStore(cfg FailoverStoreConfig) (*FailoverStore, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FailoverStore{cfg: cfg, log: cfg.Log}, nil
}

var fileNameSanitizer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_")

func (s *FailoverStore) path(key types.ResourceEventKey) string {
	return filepath.Join(s.cfg.Dir, fileNameSanitizer.Replace(key.String())+".json")
}

func (s *FailoverStore) retry(attempts int, op func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(attempts-1))
	return backoff.Retry(op, bo)
}

// Write persists one entry, retrying up to the configured write budget.
func (s *FailoverStore) Write(key types.ResourceEventKey, entry *persistedEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	target := s.path(key)
	err = s.retry(s.cfg.MaxWriteRetry, func() error {
		if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
			return trace.ConvertSystemError(err)
		}
		tmp, err := os.CreateTemp(s.cfg.Dir, ".tmp-*")
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return trace.ConvertSystemError(err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return trace.ConvertSystemError(err)
		}
		if err := os.Rename(tmpName, target); err != nil {
			os.Remove(tmpName)
			return trace.ConvertSystemError(err)
		}
		return nil
	})
	return trace.Wrap(err)
}

// Read loads the entry of one key, retrying decode failures so readers
// tolerate a concurrent partial write.
func (s *FailoverStore) Read(key types.ResourceEventKey) (*persistedEntry, error) {
	var entry *persistedEntry
	err := s.retry(s.cfg.MaxReadRetry, func() error {
		data, err := os.ReadFile(s.path(key))
		if err != nil {
			if os.IsNotExist(err) {
				return backoff.Permanent(trace.NotFound("no failover entry for %s", key))
			}
			return trace.ConvertSystemError(err)
		}
		decoded := &persistedEntry{}
		if err := json.Unmarshal(data, decoded); err != nil {
			return trace.Wrap(err)
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

// Delete removes the entry of one key. Missing files are not an error.
func (s *FailoverStore) Delete(key types.ResourceEventKey) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// LoadAll reads every entry under the persist dir, skipping files that fail
// to decode.
func (s *FailoverStore) LoadAll() []*persistedEntry {
	dirents, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failover preload failed", "dir", s.cfg.Dir, "error", err)
		}
		return nil
	}
	var entries []*persistedEntry
	for _, dirent := range dirents {
		if dirent.IsDir() || !strings.HasSuffix(dirent.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.Dir, dirent.Name()))
		if err != nil {
			continue
		}
		entry := &persistedEntry{}
		if err := json.Unmarshal(data, entry); err != nil {
			s.log.Debug("skipping corrupt failover file", "file", dirent.Name(), "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// entryKey reconstructs the resource key of a persisted entry.
func (e *persistedEntry) entryKey() (types.ResourceEventKey, bool) {
	for t, name := range map[types.EventType]string{
		types.EventInstances:  types.EventInstances.String(),
		types.EventConfigFile: types.EventConfigFile.String(),
	} {
		if e.Type == name {
			return types.ResourceEventKey{Type: t, Namespace: e.Namespace, Service: e.Service, FileName: e.FileName}, true
		}
	}
	return types.ResourceEventKey{}, false
}
