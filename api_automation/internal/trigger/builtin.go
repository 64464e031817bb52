package trigger

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	KindAll      = "all"
	KindKeywords = "keywords"

	MatchContains = "contains"
	MatchExact    = "exact"
)

func init() {
	RegisterBuiltins(defaultRegistry)
}

// RegisterBuiltins installs the built-in kinds on r.
func RegisterBuiltins(r *Registry) {
	r.Register(KindAll, newAll)
	r.Register(KindKeywords, newKeywords)
}

func newAll(json.RawMessage) (Predicate, error) {
	return PredicateFunc(func(Input) bool { return true }), nil
}

type keywordsParams struct {
	Keywords []string `json:"keywords"`
	Match    string   `json:"match"`
}

type keywordsPredicate struct {
	keywords []string
	exact    bool
}

func newKeywords(raw json.RawMessage) (Predicate, error) {
	var p keywordsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	kp := &keywordsPredicate{}
	switch strings.ToLower(p.Match) {
	case "", MatchContains:
	case MatchExact:
		kp.exact = true
	default:
		return nil, errors.New("match must be contains or exact")
	}

	for _, k := range p.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			return nil, errors.New("empty keyword")
		}
		kp.keywords = append(kp.keywords, k)
	}
	if len(kp.keywords) == 0 {
		return nil, errors.New("keywords required")
	}
	return kp, nil
}

func (k *keywordsPredicate) Match(in Input) bool {
	text := strings.ToLower(strings.TrimSpace(in.Text))
	if text == "" {
		return false
	}
	for _, kw := range k.keywords {
		if k.exact && text == kw {
			return true
		}
		if !k.exact && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
