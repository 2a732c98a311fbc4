package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// Rule maps query keywords or filters to the capabilities that answer them.
type Rule struct {
	ID           string    `yaml:"id"`
	Match        RuleMatch `yaml:"match"`
	Capabilities []string  `yaml:"capabilities"`
	DependsOn    string    `yaml:"depends_on"`
	Optional     bool      `yaml:"optional"`
}

// RuleMatch defines when a rule applies. A rule matches when any keyword occurs in the query
// or any listed filter key is present on the request.
type RuleMatch struct {
	Keywords []string `yaml:"keywords"`
	Filters  []string `yaml:"filters"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// Intent is one capability the plan must cover.
type Intent struct {
	Capability string
	DependsOn  string
	Required   bool
	Rules      []string
}

// Intents is the loaded rule pack.
type Intents struct {
	rules []Rule
}

// LoadIntents reads the rule pack at path. An empty path or missing file yields the built-in
// rules.
func LoadIntents(path string, logger *slog.Logger) (*Intents, error) {
	logger = utils.Component(logger, "planner")
	if path == "" {
		return DefaultIntents(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("intent rules not found, using built-in rules", "path", path)
			return DefaultIntents(), nil
		}
		return nil, utils.NewAppError("intents.load", "read "+path, err)
	}
	intents, err := ParseIntents(data)
	if err != nil {
		return nil, err
	}
	logger.Info("intent rules loaded", "path", path, "rules", len(intents.rules))
	return intents, nil
}

// ParseIntents decodes a YAML rule pack.
func ParseIntents(data []byte) (*Intents, error) {
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, utils.NewAppError("intents.parse", "decode intent rules", err)
	}
	var problems utils.ValidationErrors
	for i, rule := range cfg.Rules {
		label := rule.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if len(rule.Capabilities) == 0 {
			problems.Addf("rule %s: at least one capability is required", label)
		}
		if len(rule.Match.Keywords) == 0 && len(rule.Match.Filters) == 0 {
			problems.Addf("rule %s: match needs keywords or filters", label)
		}
	}
	if err := problems.Err(); err != nil {
		return nil, utils.NewAppError("intents.validate", "invalid intent rules", err)
	}
	return &Intents{rules: cfg.Rules}, nil
}

// DefaultIntents returns rules keyed on the well-known capability vocabulary.
func DefaultIntents() *Intents {
	return &Intents{rules: []Rule{
		{ID: "crm", Match: RuleMatch{Keywords: []string{"customer", "account", "deal", "opportunity", "contact"}, Filters: []string{"account_id", "customer_id"}}, Capabilities: []string{models.CapabilityCRM}},
		{ID: "calls", Match: RuleMatch{Keywords: []string{"call", "transcript", "meeting"}}, Capabilities: []string{models.CapabilityCallTranscript}, DependsOn: models.CapabilityCRM},
		{ID: "chat", Match: RuleMatch{Keywords: []string{"chat", "ticket", "conversation", "support"}}, Capabilities: []string{models.CapabilityChat}},
		{ID: "docs", Match: RuleMatch{Keywords: []string{"document", "contract", "policy", "doc"}}, Capabilities: []string{models.CapabilityDocument}},
		{ID: "warehouse", Match: RuleMatch{Keywords: []string{"revenue", "usage", "report", "metric", "trend"}}, Capabilities: []string{models.CapabilityDataWarehouse}},
		{ID: "semantic", Match: RuleMatch{Keywords: []string{"similar", "related", "like"}}, Capabilities: []string{models.CapabilityVectorSearch}, Optional: true},
	}}
}

// Rules returns a copy of the loaded rules.
func (i *Intents) Rules() []Rule {
	if i == nil {
		return nil
	}
	return append([]Rule(nil), i.rules...)
}

// Match returns the intents of every matching rule in rule order. A capability named by several
// rules is required when any of them requires it.
func (i *Intents) Match(req models.QueryRequest) []Intent {
	if i == nil {
		return nil
	}
	words := tokenize(req.Query)
	var out []Intent
	pos := make(map[string]int)

	for _, rule := range i.rules {
		if !ruleMatches(rule.Match, words, req.Filters) {
			continue
		}
		for _, capability := range rule.Capabilities {
			if idx, ok := pos[capability]; ok {
				in := &out[idx]
				in.Required = in.Required || !rule.Optional
				if in.DependsOn == "" {
					in.DependsOn = rule.DependsOn
				}
				in.Rules = appendUnique(in.Rules, rule.ID)
				continue
			}
			pos[capability] = len(out)
			out = append(out, Intent{
				Capability: capability,
				DependsOn:  rule.DependsOn,
				Required:   !rule.Optional,
				Rules:      []string{rule.ID},
			})
		}
	}
	return out
}

func ruleMatches(m RuleMatch, words map[string]struct{}, filters map[string]string) bool {
	for _, kw := range m.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := words[kw]; ok {
			return true
		}
		// plural and phrase forms
		if _, ok := words[kw+"s"]; ok {
			return true
		}
		if strings.Contains(kw, " ") && containsPhrase(words, kw) {
			return true
		}
	}
	for _, key := range m.Filters {
		if _, ok := filters[key]; ok {
			return true
		}
	}
	return false
}

func tokenize(query string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func containsPhrase(words map[string]struct{}, phrase string) bool {
	for _, part := range strings.Fields(phrase) {
		if _, ok := words[part]; !ok {
			return false
		}
	}
	return true
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
