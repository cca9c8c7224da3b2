package extract

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

// TagRule attaches Name to a page when at least Threshold of Regexes match.
type TagRule struct {
	Name      string
	Threshold int
	Regexes   []*regexp.Regexp
}

// LoadTags reads {"<name>": {"threshold": n, "regexes": [...]}} in file order.
// An empty path returns no rules.
func LoadTags(path string) ([]TagRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read tags file: %w", err)
	}
	return ParseTags(data)
}

// ParseTags compiles tag rules from their JSON form.
func ParseTags(data []byte) ([]TagRule, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("tags file is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errors.New("tags file must be an object of tag rules")
	}
	var (
		rules   []TagRule
		loopErr error
	)
	root.ForEach(func(key, value gjson.Result) bool {
		rule, err := parseRule(key.String(), value)
		if err != nil {
			loopErr = err
			return false
		}
		rules = append(rules, rule)
		return true
	})
	if loopErr != nil {
		return nil, loopErr
	}
	return rules, nil
}

func parseRule(name string, value gjson.Result) (TagRule, error) {
	threshold := value.Get("threshold")
	if threshold.Type != gjson.Number {
		return TagRule{}, fmt.Errorf("tag %q: threshold must be a number", name)
	}
	regexes := value.Get("regexes")
	if !regexes.IsArray() {
		return TagRule{}, fmt.Errorf("tag %q: regexes must be a list", name)
	}
	rule := TagRule{Name: name, Threshold: int(threshold.Int())}
	for _, expr := range regexes.Array() {
		re, err := regexp.Compile(expr.String())
		if err != nil {
			return TagRule{}, fmt.Errorf("tag %q: compile %q: %w", name, expr.String(), err)
		}
		rule.Regexes = append(rule.Regexes, re)
	}
	return rule, nil
}

// Apply evaluates rules against raw markup. A regex that does not match
// contributes a nil entry; one that matches contributes its capture groups.
func Apply(rules []TagRule, markup []byte) map[string]crawler.TagMatch {
	var tags map[string]crawler.TagMatch
	for _, rule := range rules {
		groups := make(crawler.TagMatch, 0, len(rule.Regexes))
		matched := 0
		for _, re := range rule.Regexes {
			sub := re.FindSubmatch(markup)
			if sub == nil {
				groups = append(groups, nil)
				continue
			}
			matched++
			captured := make([]string, 0, len(sub)-1)
			for _, g := range sub[1:] {
				captured = append(captured, string(g))
			}
			groups = append(groups, captured)
		}
		if matched >= rule.Threshold {
			if tags == nil {
				tags = make(map[string]crawler.TagMatch)
			}
			tags[rule.Name] = groups
		}
	}
	return tags
}
