package policy

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleList is an allow/deny list. Entries are matched case-insensitively;
// "*" matches anything and a leading "!" turns an entry into a deny rule.
//
// Unmarshalling never fails: a scalar becomes a one-element list and any
// other malformed shape degrades to allow-all.
type RuleList []string

// AllowAll is the rule list used whenever configuration is missing or
// malformed.
var AllowAll = RuleList{"*"}

func (r *RuleList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			*r = AllowAll
			return nil
		}
		*r = normalizeRules(strings.Split(v, ","))
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				continue
			}
			out = append(out, item.Value)
		}
		*r = normalizeRules(out)
	default:
		*r = AllowAll
	}
	if len(*r) == 0 {
		*r = AllowAll
	}
	return nil
}

func normalizeRules(raw []string) RuleList {
	out := make(RuleList, 0, len(raw))
	for _, v := range raw {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || v == "!" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Permits evaluates rules against the candidate names of one identity.
// Deny entries are checked first and any match forces false. Without
// positive entries everything not denied is permitted.
func (r RuleList) Permits(candidates ...string) bool {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			names = append(names, c)
		}
	}

	positives := 0
	for _, rule := range r {
		deny, ok := strings.CutPrefix(rule, "!")
		if !ok {
			positives++
			continue
		}
		for _, name := range names {
			if ruleMatches(deny, name) {
				return false
			}
		}
	}
	if positives == 0 {
		return true
	}
	for _, rule := range r {
		if strings.HasPrefix(rule, "!") {
			continue
		}
		for _, name := range names {
			if ruleMatches(rule, name) {
				return true
			}
		}
		if rule == "*" {
			return true
		}
	}
	return false
}

// ruleMatches is the two-way substring/equality test shared with peer
// identity resolution. A short rule matches any longer name containing it
// and vice versa.
func ruleMatches(rule, name string) bool {
	if rule == "*" {
		return true
	}
	if rule == "" || name == "" {
		return false
	}
	return rule == name || strings.Contains(name, rule) || strings.Contains(rule, name)
}

// Overlaps is the two-way substring/equality test used when scanning policy
// tokens and origins.
func Overlaps(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}
