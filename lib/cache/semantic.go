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
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Scorer measures similarity between two token sets in [0, 1].
// The default is Jaccard set overlap; an embedding-backed scorer can be
// plugged in without touching the index.
type Scorer interface {
	Score(a, b map[string]struct{}) float64
}

// JaccardScorer scores by token set intersection over union.
type JaccardScorer struct{}

// Score implements Scorer.
func (JaccardScorer) Score(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for token := range small {
		if _, ok := large[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// tokenize lower-cases the prompt and splits it into a set of
// alphanumeric tokens.
func tokenize(prompt string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

type semanticEntry struct {
	prompt      string
	tokens      map[string]struct{}
	fingerprint string
}

// semanticIndex maps recent prompts to their exact fingerprints so a near
// miss can be redeemed against the regular tiers. Newest entries are
// scanned first and lookups are bounded, so the cost per miss is flat.
type semanticIndex struct {
	scorer         Scorer
	threshold      float64
	maxComparisons int
	maxEntries     int

	mu      sync.Mutex
	entries []semanticEntry
}

func newSemanticIndex(scorer Scorer, threshold float64, maxComparisons, maxEntries int) *semanticIndex {
	if scorer == nil {
		scorer = JaccardScorer{}
	}
	return &semanticIndex{
		scorer:         scorer,
		threshold:      threshold,
		maxComparisons: maxComparisons,
		maxEntries:     maxEntries,
	}
}

// add records a prompt under its fingerprint, evicting the oldest entry
// past capacity.
func (idx *semanticIndex) add(prompt, fingerprint string) {
	tokens := tokenize(prompt)
	if len(tokens) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = append(idx.entries, semanticEntry{prompt: prompt, tokens: tokens, fingerprint: fingerprint})
	if len(idx.entries) > idx.maxEntries {
		idx.entries = idx.entries[len(idx.entries)-idx.maxEntries:]
	}
}

// lookup returns the fingerprint of the best-scoring prompt at or above
// the threshold, scanning newest first.
func (idx *semanticIndex) lookup(prompt string) (string, bool) {
	tokens := tokenize(prompt)
	if len(tokens) == 0 {
		return "", false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	best := ""
	bestScore := 0.0
	compared := 0
	for i := len(idx.entries) - 1; i >= 0 && compared < idx.maxComparisons; i-- {
		compared++
		score := idx.scorer.Score(tokens, idx.entries[i].tokens)
		if score >= idx.threshold && score > bestScore {
			best = idx.entries[i].fingerprint
			bestScore = score
		}
	}
	return best, best != ""
}

// invalidate removes every index entry whose prompt matches.
func (idx *semanticIndex) invalidate(pattern *regexp.Regexp) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	kept := idx.entries[:0]
	for _, e := range idx.entries {
		if !pattern.MatchString(e.prompt) {
			kept = append(kept, e)
		}
	}
	idx.entries = kept
}

// drop removes every index entry pointing at the fingerprint.
func (idx *semanticIndex) drop(fingerprint string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	kept := idx.entries[:0]
	for _, e := range idx.entries {
		if e.fingerprint != fingerprint {
			kept = append(kept, e)
		}
	}
	idx.entries = kept
}
