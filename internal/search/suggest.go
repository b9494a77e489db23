package search

import (
	"sort"
	"strings"
)

// TermDictionary exposes the indexed vocabulary with document frequencies.
type TermDictionary interface {
	Terms() (map[string]int, error)
}

// Suggester rewrites misspelled query terms to nearby indexed terms.
type Suggester struct {
	dict        TermDictionary
	maxDistance int
	minFreq     int
}

// SuggesterOption configures a Suggester.
type SuggesterOption func(*Suggester)

// WithMaxDistance sets the largest edit distance considered a typo.
func WithMaxDistance(d int) SuggesterOption {
	return func(s *Suggester) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithMinFrequency ignores terms that occur in fewer than f entries.
func WithMinFrequency(f int) SuggesterOption {
	return func(s *Suggester) {
		if f >= 0 {
			s.minFreq = f
		}
	}
}

// NewSuggester creates a Suggester over dict.
func NewSuggester(dict TermDictionary, opts ...SuggesterOption) *Suggester {
	s := &Suggester{dict: dict, maxDistance: 2, minFreq: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Suggestion is a candidate replacement for one query term.
type Suggestion struct {
	Term      string
	Distance  int
	Frequency int
}

// Correct returns query with every unknown term replaced by its best suggestion.
// The boolean is false when nothing was replaced.
func (s *Suggester) Correct(query string) (string, bool, error) {
	terms, err := s.dict.Terms()
	if err != nil {
		return query, false, err
	}
	words := strings.Fields(strings.ToLower(query))
	changed := false
	for i, w := range words {
		if _, ok := terms[w]; ok {
			continue
		}
		if sugg := s.suggest(w, terms); len(sugg) > 0 {
			words[i] = sugg[0].Term
			changed = true
		}
	}
	if !changed {
		return query, false, nil
	}
	return strings.Join(words, " "), true, nil
}

// Suggest returns candidates for term, closest first, then most frequent.
func (s *Suggester) Suggest(term string) ([]Suggestion, error) {
	terms, err := s.dict.Terms()
	if err != nil {
		return nil, err
	}
	return s.suggest(strings.ToLower(term), terms), nil
}

func (s *Suggester) suggest(term string, terms map[string]int) []Suggestion {
	var out []Suggestion
	n := len([]rune(term))
	for candidate, freq := range terms {
		if candidate == term || freq < s.minFreq {
			continue
		}
		diff := len([]rune(candidate)) - n
		if diff > s.maxDistance || -diff > s.maxDistance {
			continue
		}
		if d := levenshtein(term, candidate); d <= s.maxDistance {
			out = append(out, Suggestion{Term: candidate, Distance: d, Frequency: freq})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Term < out[j].Term
	})
	return out
}

// levenshtein counts single-rune insertions, deletions and substitutions.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
