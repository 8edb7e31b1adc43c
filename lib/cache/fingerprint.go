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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/skylane/gantry/lib/types"
)

// Fingerprint algorithms.
const (
	// AlgorithmSHA256 is the default collision-resistant fingerprint.
	AlgorithmSHA256 = "sha256"
	// AlgorithmFNV is a cheaper non-cryptographic alternative.
	AlgorithmFNV = "fnv"
)

// FingerprintConfig controls how requests are keyed.
type FingerprintConfig struct {
	// Algorithm selects the hash, sha256 by default.
	Algorithm string `yaml:"algorithm"`
	// VarySession scopes cache entries to the caller session.
	VarySession bool `yaml:"vary_session"`
	// VaryProject scopes cache entries to the caller project.
	VaryProject bool `yaml:"vary_project"`
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *FingerprintConfig) CheckAndSetDefaults() error {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmSHA256
	}
	switch c.Algorithm {
	case AlgorithmSHA256, AlgorithmFNV:
	default:
		return trace.BadParameter("unsupported fingerprint algorithm %q", c.Algorithm)
	}
	return nil
}

// canonicalRequest is the deterministic serialization a fingerprint is
// computed over. Volatile attributes (stream flag, timestamps, caller
// identity) are deliberately absent so equivalent requests collide.
// Parameter maps serialize with sorted keys under encoding/json, which
// keeps the encoding stable across submissions.
type canonicalRequest struct {
	Target     string             `json:"target,omitempty"`
	Model      string             `json:"model"`
	Messages   []canonicalMessage `json:"messages"`
	Parameters map[string]any     `json:"parameters,omitempty"`
	Tools      []types.Tool       `json:"tools,omitempty"`
	Session    string             `json:"session,omitempty"`
	Project    string             `json:"project,omitempty"`
}

type canonicalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprinter computes stable cache keys for requests.
type Fingerprinter struct {
	cfg FingerprintConfig
}

// NewFingerprinter creates a Fingerprinter.
func NewFingerprinter(cfg FingerprintConfig) (*Fingerprinter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Fingerprinter{cfg: cfg}, nil
}

// Fingerprint returns the cache key for the request.
func (f *Fingerprinter) Fingerprint(req *types.Request) (string, error) {
	canonical := canonicalRequest{
		Target:     req.Target,
		Model:      req.Model,
		Messages:   make([]canonicalMessage, 0, len(req.Messages)),
		Parameters: req.Parameters,
		Tools:      req.Tools,
	}
	for _, m := range req.Messages {
		canonical.Messages = append(canonical.Messages, canonicalMessage{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: strings.ToLower(strings.TrimSpace(m.Content)),
		})
	}
	if f.cfg.VarySession {
		canonical.Session = req.Metadata.Session
	}
	if f.cfg.VaryProject {
		canonical.Project = req.Metadata.Project
	}

	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", trace.Wrap(err)
	}
	switch f.cfg.Algorithm {
	case AlgorithmFNV:
		h := fnv.New64a()
		h.Write(encoded)
		return fmt.Sprintf("%016x", h.Sum64()), nil
	default:
		sum := sha256.Sum256(encoded)
		return hex.EncodeToString(sum[:]), nil
	}
}
