// Copyright 2025 Skylane, Inc
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
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/types"
)

const diskSuffix = ".cache"

// fingerprintPattern guards against fingerprints that are not plain hex,
// which would otherwise reach the filesystem as path components.
var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// DiskTierConfig configures the on-disk overflow tier.
type DiskTierConfig struct {
	// Dir is the cache directory, created if missing.
	Dir string
	// MinBytes is the payload size below which the tier declines an
	// entry. Small responses stay in the faster tiers only.
	MinBytes int
	// MaxBytes is the byte budget; oldest files are evicted past it.
	MaxBytes int64
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *DiskTierConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing disk cache directory")
	}
	if c.MinBytes <= 0 {
		c.MinBytes = defaults.CacheDiskMinBytes
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaults.CacheDiskMaxBytes
	}
	return nil
}

// diskTier spills large responses to one JSON file per fingerprint.
type diskTier struct {
	cfg DiskTierConfig

	// mu serializes Set's write-then-evict sequence.
	mu sync.Mutex
}

// NewDiskTier creates the disk tier, creating the directory if needed.
func NewDiskTier(cfg DiskTierConfig) (Tier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &diskTier{cfg: cfg}, nil
}

func (t *diskTier) Name() types.CacheSource { return types.CacheDisk }

func (t *diskTier) path(fingerprint string) (string, error) {
	if !fingerprintPattern.MatchString(fingerprint) {
		return "", trace.BadParameter("malformed fingerprint %q", fingerprint)
	}
	return filepath.Join(t.cfg.Dir, fingerprint+diskSuffix), nil
}

func (t *diskTier) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	path, err := t.path(fingerprint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no cache entry for %v", fingerprint)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A torn or corrupt file is treated as a miss and removed.
		os.Remove(path)
		return nil, trace.NotFound("no cache entry for %v", fingerprint)
	}
	return &e, nil
}

func (t *diskTier) Set(ctx context.Context, e *Entry) error {
	if e.size() < t.cfg.MinBytes {
		return nil
	}
	path, err := t.path(e.Fingerprint)
	if err != nil {
		return trace.Wrap(err)
	}
	encoded, err := json.Marshal(e)
	if err != nil {
		return trace.Wrap(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tmp, err := os.CreateTemp(t.cfg.Dir, "write-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(t.evictLocked())
}

// evictLocked removes oldest files until the tier is back under budget.
func (t *diskTier) evictLocked() error {
	files, err := t.list()
	if err != nil {
		return trace.Wrap(err)
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	// Oldest modification time first.
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	for _, f := range files {
		if total <= t.cfg.MaxBytes {
			return nil
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
		total -= f.size
	}
	return nil
}

type diskFile struct {
	path  string
	size  int64
	mtime time.Time
}

func (t *diskTier) Delete(ctx context.Context, fingerprint string) error {
	path, err := t.path(fingerprint)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func (t *diskTier) Invalidate(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	files, err := t.list()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, f := range files {
		raw, err := os.ReadFile(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, trace.ConvertSystemError(err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err == nil && !pattern.MatchString(e.Prompt) {
			continue
		}
		// Matches the stored prompt, or is corrupt and goes regardless.
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return removed, trace.ConvertSystemError(err)
		}
		removed++
	}
	return removed, nil
}

func (t *diskTier) Len(ctx context.Context) (int, error) {
	files, err := t.list()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return len(files), nil
}

func (t *diskTier) list() ([]diskFile, error) {
	var files []diskFile
	err := filepath.WalkDir(t.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, diskSuffix) {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, diskFile{path: path, size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return files, nil
}
