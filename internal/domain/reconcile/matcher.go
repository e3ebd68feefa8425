package reconcile

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// MatchKind discriminates the MatchResult variants.
type MatchKind string

const (
	// MatchMatched means exactly one catalog product carries the record's
	// normalized code.
	MatchMatched MatchKind = "matched"
	// MatchUnmatched means no catalog product carries the code, or the
	// code could not be normalized.
	MatchUnmatched MatchKind = "unmatched"
	// MatchAmbiguous means two or more catalog products share the code.
	// Ambiguity is surfaced for operator review, never resolved by guess.
	MatchAmbiguous MatchKind = "ambiguous"
)

// MatchResult is the outcome of joining one scraped record against the
// catalog. Exactly one of Product / CandidateIDs is populated depending on
// Kind; Record and Key are always set (Key is empty for invalid codes).
type MatchResult struct {
	Kind   MatchKind
	Record ScrapedRecord
	Key    NormalizedKey
	// Product is the single catalog match. Set only for MatchMatched.
	Product *ERPProduct
	// CandidateIDs lists every catalog product sharing the key, in
	// ascending order. Set only for MatchAmbiguous.
	CandidateIDs []int64
}

// Matcher joins scraped records against an ERP catalog snapshot using
// normalized codes.
type Matcher struct {
	workers int
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithMatchWorkers sets how many goroutines the matcher spreads record
// lookups across. Values below 2 keep matching sequential.
func WithMatchWorkers(n int) MatcherOption {
	return func(m *Matcher) {
		m.workers = n
	}
}

// NewMatcher creates a Matcher.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{workers: 1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match partitions scraped records into matched / unmatched / ambiguous
// against the catalog. The index build is linear in catalog size; catalog
// entries with invalid codes are skipped. Results keep the input order of
// the scraped slice, so the partition is identical across runs for fixed
// inputs regardless of worker count.
func (m *Matcher) Match(ctx context.Context, scraped []ScrapedRecord, catalog []ERPProduct) ([]MatchResult, error) {
	index := buildCatalogIndex(catalog)
	results := make([]MatchResult, len(scraped))

	if m.workers < 2 || len(scraped) < 2 {
		for i := range scraped {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i] = matchOne(scraped[i], index)
		}
		return results, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	chunk := (len(scraped) + m.workers - 1) / m.workers
	for start := 0; start < len(scraped); start += chunk {
		end := start + chunk
		if end > len(scraped) {
			end = len(scraped)
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				results[i] = matchOne(scraped[i], index)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// buildCatalogIndex maps normalized codes to the catalog products carrying
// them. Candidate slices are sorted by product ID so ambiguous listings are
// stable across runs.
func buildCatalogIndex(catalog []ERPProduct) map[NormalizedKey][]*ERPProduct {
	index := make(map[NormalizedKey][]*ERPProduct, len(catalog))
	for i := range catalog {
		key, err := Normalize(catalog[i].DefaultCode)
		if err != nil {
			continue
		}
		index[key] = append(index[key], &catalog[i])
	}
	for _, candidates := range index {
		sort.Slice(candidates, func(a, b int) bool {
			return candidates[a].ProductID < candidates[b].ProductID
		})
	}
	return index
}

func matchOne(record ScrapedRecord, index map[NormalizedKey][]*ERPProduct) MatchResult {
	key, err := Normalize(record.RawCode)
	if err != nil {
		// Malformed code: recover locally as unmatched.
		return MatchResult{Kind: MatchUnmatched, Record: record}
	}

	candidates := index[key]
	switch len(candidates) {
	case 0:
		return MatchResult{Kind: MatchUnmatched, Record: record, Key: key}
	case 1:
		return MatchResult{Kind: MatchMatched, Record: record, Key: key, Product: candidates[0]}
	default:
		ids := make([]int64, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ProductID
		}
		return MatchResult{Kind: MatchAmbiguous, Record: record, Key: key, CandidateIDs: ids}
	}
}
