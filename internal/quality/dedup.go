package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// Float fields in partial mode compare with this relative tolerance.
const relativeEpsilon = 1e-9

// DedupMode selects how duplicates are found.
type DedupMode string

const (
	DedupExact   DedupMode = "exact"   // identical key
	DedupPartial DedupMode = "partial" // field-match similarity above a threshold
)

// KeyMode selects the exact-mode duplicate key.
type KeyMode string

const (
	KeyPrimary     KeyMode = "primary_key"  // (code, date)
	KeyContentHash KeyMode = "content_hash" // SHA-256 over HashFields
)

// RemovalStrategy picks the survivor of a duplicate group.
type RemovalStrategy string

const (
	KeepFirst          RemovalStrategy = "keep_first"
	KeepLast           RemovalStrategy = "keep_last"
	KeepHighestQuality RemovalStrategy = "keep_highest_quality"
)

// DedupConfig drives a deduplication run.
type DedupConfig struct {
	Mode                DedupMode       `yaml:"mode" json:"mode"`
	Key                 KeyMode         `yaml:"key,omitempty" json:"key,omitempty"`
	HashFields          []string        `yaml:"hash_fields,omitempty" json:"hash_fields,omitempty"`
	SimilarityThreshold float64         `yaml:"similarity_threshold,omitempty" json:"similarity_threshold,omitempty"`
	Strategy            RemovalStrategy `yaml:"strategy" json:"strategy"`
}

// DefaultDedupConfig removes exact (code, date) duplicates, keeping
// the latest record.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{Mode: DedupExact, Key: KeyPrimary, Strategy: KeepLast}
}

// DupGroup is one set of records judged duplicates of each other.
type DupGroup struct {
	Kind       DedupMode `json:"kind"`
	Indices    []int     `json:"indices"`
	Similarity float64   `json:"similarity"` // 1.0 for exact groups
	KeptIndex  int       `json:"kept_index"`
}

// DedupReport summarizes a run.
type DedupReport struct {
	Total    int           `json:"total"`
	Kept     int           `json:"kept"`
	Removed  int           `json:"removed"`
	Groups   []DupGroup    `json:"groups,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Deduplicator finds and removes duplicate bars. Partial mode buckets
// records by code so the pairwise comparison never crosses symbols.
type Deduplicator struct {
	cfg DedupConfig
}

var hashableFields = []string{"code", "date", "open", "high", "low", "close", "volume", "amount"}

// NewDeduplicator validates the configuration.
func NewDeduplicator(cfg DedupConfig) (*Deduplicator, error) {
	switch cfg.Mode {
	case DedupExact:
		if cfg.Key == "" {
			cfg.Key = KeyPrimary
		}
		switch cfg.Key {
		case KeyPrimary:
		case KeyContentHash:
			if len(cfg.HashFields) == 0 {
				cfg.HashFields = hashableFields
			}
			for _, f := range cfg.HashFields {
				if !isHashable(f) {
					return nil, fmt.Errorf("quality: dedup: unknown hash field %q", f)
				}
			}
		default:
			return nil, fmt.Errorf("quality: dedup: unknown key mode %q", cfg.Key)
		}
	case DedupPartial:
		if cfg.SimilarityThreshold == 0 {
			cfg.SimilarityThreshold = 0.9
		}
		if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
			return nil, fmt.Errorf("quality: dedup: similarity threshold must be in (0, 1], got %g", cfg.SimilarityThreshold)
		}
	default:
		return nil, fmt.Errorf("quality: dedup: unknown mode %q", cfg.Mode)
	}

	switch cfg.Strategy {
	case KeepFirst, KeepLast, KeepHighestQuality:
	case "":
		cfg.Strategy = KeepFirst
	default:
		return nil, fmt.Errorf("quality: dedup: unknown strategy %q", cfg.Strategy)
	}

	return &Deduplicator{cfg: cfg}, nil
}

// Run deduplicates bars, preserving input order among survivors.
// scores align with bars by index and are required only for
// keep_highest_quality; pass validator record scores there.
func (d *Deduplicator) Run(bars []models.Bar, scores []float64) ([]models.Bar, *DedupReport, error) {
	start := time.Now()
	if d.cfg.Strategy == KeepHighestQuality {
		if len(scores) != len(bars) {
			return nil, nil, fmt.Errorf("quality: dedup: keep_highest_quality needs one score per record, got %d for %d records", len(scores), len(bars))
		}
	}

	var groups []DupGroup
	switch d.cfg.Mode {
	case DedupExact:
		groups = d.exactGroups(bars)
	case DedupPartial:
		groups = d.partialGroups(bars)
	}

	removed := make(map[int]bool)
	for gi := range groups {
		g := &groups[gi]
		g.KeptIndex = d.survivor(g.Indices, scores)
		for _, idx := range g.Indices {
			if idx != g.KeptIndex {
				removed[idx] = true
			}
		}
	}

	cleaned := make([]models.Bar, 0, len(bars)-len(removed))
	for i, b := range bars {
		if !removed[i] {
			cleaned = append(cleaned, b)
		}
	}

	report := &DedupReport{
		Total:    len(bars),
		Kept:     len(cleaned),
		Removed:  len(removed),
		Groups:   groups,
		Duration: time.Since(start),
	}
	return cleaned, report, nil
}

func (d *Deduplicator) exactGroups(bars []models.Bar) []DupGroup {
	byKey := make(map[string][]int)
	order := make([]string, 0)
	for i, b := range bars {
		key := d.exactKey(b)
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], i)
	}

	var groups []DupGroup
	for _, key := range order {
		indices := byKey[key]
		if len(indices) < 2 {
			continue
		}
		groups = append(groups, DupGroup{Kind: DedupExact, Indices: indices, Similarity: 1})
	}
	return groups
}

func (d *Deduplicator) exactKey(b models.Bar) string {
	if d.cfg.Key == KeyPrimary {
		return b.Code + "|" + b.Date.Format(models.TradeDateLayout)
	}
	h := sha256.New()
	for _, f := range d.cfg.HashFields {
		h.Write([]byte(canonicalField(b, f)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// partialGroups buckets by code and greedily clusters records whose
// field-match similarity to the bucket leader meets the threshold.
// Similarity recorded for a group is the lowest leader-pair value.
func (d *Deduplicator) partialGroups(bars []models.Bar) []DupGroup {
	buckets := make(map[string][]int)
	codes := make([]string, 0)
	for i, b := range bars {
		if _, seen := buckets[b.Code]; !seen {
			codes = append(codes, b.Code)
		}
		buckets[b.Code] = append(buckets[b.Code], i)
	}
	sort.Strings(codes)

	var groups []DupGroup
	for _, code := range codes {
		indices := buckets[code]
		assigned := make(map[int]bool)
		for ii, i := range indices {
			if assigned[i] {
				continue
			}
			group := DupGroup{Kind: DedupPartial, Indices: []int{i}, Similarity: 1}
			for _, j := range indices[ii+1:] {
				if assigned[j] {
					continue
				}
				sim := similarity(bars[i], bars[j])
				if sim >= d.cfg.SimilarityThreshold {
					group.Indices = append(group.Indices, j)
					if sim < group.Similarity {
						group.Similarity = sim
					}
					assigned[j] = true
				}
			}
			if len(group.Indices) >= 2 {
				assigned[i] = true
				groups = append(groups, group)
			}
		}
	}
	return groups
}

func (d *Deduplicator) survivor(indices []int, scores []float64) int {
	switch d.cfg.Strategy {
	case KeepLast:
		return indices[len(indices)-1]
	case KeepHighestQuality:
		best := indices[0]
		for _, idx := range indices[1:] {
			if scores[idx] > scores[best] {
				best = idx
			}
		}
		return best
	default:
		return indices[0]
	}
}

// similarity counts matching comparable fields between two bars of the
// same code: date plus the six numeric columns.
func similarity(a, b models.Bar) float64 {
	matched := 0
	if a.Date.Equal(b.Date) {
		matched++
	}
	pairs := [][2]float64{
		{a.Open, b.Open},
		{a.High, b.High},
		{a.Low, b.Low},
		{a.Close, b.Close},
		{float64(a.Volume), float64(b.Volume)},
		{a.Amount, b.Amount},
	}
	for _, p := range pairs {
		if relEqual(p[0], p[1]) {
			matched++
		}
	}
	return float64(matched) / float64(len(pairs)+1)
}

func relEqual(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= relativeEpsilon*scale
}

func isHashable(field string) bool {
	for _, f := range hashableFields {
		if f == field {
			return true
		}
	}
	return false
}

func canonicalField(b models.Bar, field string) string {
	switch field {
	case "code":
		return b.Code
	case "date":
		return b.Date.Format(models.TradeDateLayout)
	case "open":
		return strconv.FormatFloat(b.Open, 'f', -1, 64)
	case "high":
		return strconv.FormatFloat(b.High, 'f', -1, 64)
	case "low":
		return strconv.FormatFloat(b.Low, 'f', -1, 64)
	case "close":
		return strconv.FormatFloat(b.Close, 'f', -1, 64)
	case "volume":
		return strconv.FormatInt(b.Volume, 10)
	case "amount":
		return strconv.FormatFloat(b.Amount, 'f', -1, 64)
	}
	return ""
}
