package classifier

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultMaxFeatures = 5000
	defaultNgramMax    = 3
)

// vectorizer is a TF-IDF transform over word 1..NgramMax-grams with a capped vocabulary.
type vectorizer struct {
	Version    string         `json:"version"`
	NgramMin   int            `json:"ngram_min"`
	NgramMax   int            `json:"ngram_max"`
	Vocabulary map[string]int `json:"vocabulary"`
	IDF        []float64      `json:"idf"`
}

// tokenize lower-cases text and keeps runs of letters or digits of at least two runes.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func ngrams(tokens []string, lo, hi int) []string {
	var out []string
	for n := lo; n <= hi; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			out = append(out, strings.Join(tokens[i:i+n], " "))
		}
	}
	return out
}

func (v *vectorizer) terms(text string) []string {
	return ngrams(tokenize(text), v.NgramMin, v.NgramMax)
}

// fitVectorizer keeps the maxFeatures most frequent terms across the corpus; ties go
// to the lexically smaller term. Indices follow lexical order.
func fitVectorizer(docs []string, maxFeatures int, version string) *vectorizer {
	v := &vectorizer{Version: version, NgramMin: 1, NgramMax: defaultNgramMax}

	termCount := map[string]int{}
	docFreq := map[string]int{}
	for _, doc := range docs {
		seen := map[string]bool{}
		for _, term := range v.terms(doc) {
			termCount[term]++
			if !seen[term] {
				seen[term] = true
				docFreq[term]++
			}
		}
	}

	terms := make([]string, 0, len(termCount))
	for term := range termCount {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if termCount[terms[i]] != termCount[terms[j]] {
			return termCount[terms[i]] > termCount[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if maxFeatures > 0 && len(terms) > maxFeatures {
		terms = terms[:maxFeatures]
	}
	sort.Strings(terms)

	n := float64(len(docs))
	v.Vocabulary = make(map[string]int, len(terms))
	v.IDF = make([]float64, len(terms))
	for i, term := range terms {
		v.Vocabulary[term] = i
		v.IDF[i] = math.Log((1+n)/(1+float64(docFreq[term]))) + 1
	}
	return v
}

// transform returns the L2-normalised TF-IDF vector of text as a sparse map.
func (v *vectorizer) transform(text string) map[int]float64 {
	vec := map[int]float64{}
	for _, term := range v.terms(text) {
		if idx, ok := v.Vocabulary[term]; ok {
			vec[idx]++
		}
	}
	var norm float64
	for idx, tf := range vec {
		w := tf * v.IDF[idx]
		vec[idx] = w
		norm += w * w
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for idx := range vec {
			vec[idx] /= norm
		}
	}
	return vec
}
