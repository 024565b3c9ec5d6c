package classifier

import (
	"fmt"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"go.uber.org/zap"

	"tablegate/internal/pkg/logger"
)

// A table belongs to Category when its header text contains every keyword.
type Rule struct {
	Category string
	Keywords []string
}

// Header keyword gates used when no rules are configured
var DefaultRules = []Rule{
	{Category: "flowise", Keywords: []string{"flowise"}},
	{Category: "n8n", Keywords: []string{"n8n"}},
	{Category: "rubrique", Keywords: []string{"rubrique", "description"}},
}

// Classifier assigns a category to a table from its header text
type Classifier struct {
	matcher  *ahocorasick.Matcher
	rules    []Rule
	patterns map[string]int // keyword -> pattern index
}

// Builds a classifier for the given rules, checked in order
func New(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("classifier needs at least one rule")
	}

	patterns := make(map[string]int)
	var dictionary []string
	normalized := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		category := strings.ToLower(strings.TrimSpace(rule.Category))
		if category == "" || strings.ContainsAny(category, ":\x00") {
			return nil, fmt.Errorf("invalid category %q", rule.Category)
		}
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("category %q has no keywords", category)
		}

		keywords := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				return nil, fmt.Errorf("category %q has an empty keyword", category)
			}
			if _, seen := patterns[kw]; !seen {
				patterns[kw] = len(dictionary)
				dictionary = append(dictionary, kw)
			}
			keywords = append(keywords, kw)
		}
		normalized = append(normalized, Rule{Category: category, Keywords: keywords})
	}

	logger.Log.Info("Initializing table classifier",
		zap.Int("categories", len(normalized)),
		zap.Int("keywords", len(dictionary)))

	return &Classifier{
		matcher:  ahocorasick.NewStringMatcher(dictionary),
		rules:    normalized,
		patterns: patterns,
	}, nil
}

// ParseRules reads the CLASSIFIER_RULES format: "cat=kw1|kw2;cat2=kw3".
// An empty string yields DefaultRules.
func ParseRules(raw string) ([]Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultRules, nil
	}

	var rules []Rule
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		category, keywords, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("rule %q: expected category=keywords", entry)
		}
		rule := Rule{Category: strings.TrimSpace(category)}
		for _, kw := range strings.Split(keywords, "|") {
			if kw = strings.TrimSpace(kw); kw != "" {
				rule.Keywords = append(rule.Keywords, kw)
			}
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules in %q", raw)
	}
	return rules, nil
}

// Classify returns the first category whose keywords all occur in header.
func (c *Classifier) Classify(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	hits := c.matcher.Match([]byte(strings.ToLower(header)))
	if len(hits) == 0 {
		return "", false
	}
	found := make(map[int]bool, len(hits))
	for _, hit := range hits {
		found[hit] = true
	}

	for _, rule := range c.rules {
		matched := true
		for _, kw := range rule.Keywords {
			if !found[c.patterns[kw]] {
				matched = false
				break
			}
		}
		if matched {
			return rule.Category, true
		}
	}
	return "", false
}

// Categories lists the configured categories in match order
func (c *Classifier) Categories() []string {
	out := make([]string, len(c.rules))
	for i, rule := range c.rules {
		out[i] = rule.Category
	}
	return out
}
