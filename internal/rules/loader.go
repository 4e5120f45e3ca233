package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// baseFiles are the three documents every deployment carries.
var baseFiles = []string{"sla_rules", "routing_rules", "queries"}

// extensions tried when resolving a document. yaml.v3 parses both YAML and
// JSON, so the variants share one decode path.
var extensions = []string{".yaml", ".yml", ".json"}

// load reads all layers for the directory and environment, merges them, and
// returns a validated snapshot. Any parse or schema error fails the whole
// load; nothing is partially applied.
func load(dir, env string) (*Snapshot, error) {
	merged := make(map[string]any)

	for _, name := range baseFiles {
		path, ok := resolveFile(filepath.Join(dir, "base"), name)
		if !ok {
			return nil, fmt.Errorf("%w: missing base file %s", ErrInvalidConfiguration, name)
		}
		doc, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		if _, ok := doc["version"]; !ok {
			return nil, fmt.Errorf("%w: %s has no version", ErrInvalidConfiguration, filepath.Base(path))
		}
		merged = deepMerge(merged, doc)
	}

	// Overlays are optional: dictionaries deep-merge, lists replace.
	if env != "" {
		if path, ok := resolveFile(filepath.Join(dir, "environments"), env); ok {
			doc, err := parseFile(path)
			if err != nil {
				return nil, err
			}
			merged = deepMerge(merged, doc)
		}
	}
	if path, ok := resolveFile(filepath.Join(dir, "local"), "overrides"); ok {
		doc, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, doc)
	}

	snap, err := decodeSnapshot(merged)
	if err != nil {
		return nil, err
	}
	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func resolveFile(dir, name string) (string, bool) {
	for _, ext := range extensions {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func parseFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfiguration, path, err)
	}
	doc := make(map[string]any)
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfiguration, path, err)
	}
	return doc, nil
}

// decodeSnapshot converts the merged document tree into the typed snapshot.
// Sections are round-tripped through yaml so overlay-produced maps decode the
// same way file content does.
func decodeSnapshot(merged map[string]any) (*Snapshot, error) {
	snap := &Snapshot{
		SlaTargets:   make(map[string]SlaTarget),
		RoutingRules: make(map[string]RoutingRule),
		Queries:      make(map[string]QueryTemplate),
	}
	if v, ok := merged["version"]; ok {
		snap.Version = fmt.Sprintf("%v", v)
	}

	if err := decodeSection(merged, "sla_targets", &snap.SlaTargets); err != nil {
		return nil, err
	}
	if err := decodeSection(merged, "escalation_rules", &snap.EscalationRules); err != nil {
		return nil, err
	}
	if err := decodeSection(merged, "environment_routing", &snap.RoutingRules); err != nil {
		return nil, err
	}
	if err := decodeSection(merged, "excluded_sessions", &snap.ExcludedSessions); err != nil {
		return nil, err
	}
	if err := decodeSection(merged, "supported_providers", &snap.SupportedProviders); err != nil {
		return nil, err
	}
	if err := decodeSection(merged, "fallback_rules", &snap.FallbackRules); err != nil {
		return nil, err
	}
	if err := decodeSection(merged, "patterns", &snap.Patterns); err != nil {
		return nil, err
	}

	var queries map[string]QueryTemplate
	if err := decodeSection(merged, "queries", &queries); err != nil {
		return nil, err
	}
	for name, q := range queries {
		q.Name = name
		snap.Queries[name] = q
	}
	for taskType, r := range snap.RoutingRules {
		r.TaskType = taskType
		snap.RoutingRules[taskType] = r
	}

	return snap, nil
}

func decodeSection(merged map[string]any, key string, out any) error {
	section, ok := merged[key]
	if !ok || section == nil {
		return nil
	}
	raw, err := yaml.Marshal(section)
	if err != nil {
		return fmt.Errorf("%w: section %s: %v", ErrInvalidConfiguration, key, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: section %s: %v", ErrInvalidConfiguration, key, err)
	}
	return nil
}

var validParamTypes = map[string]bool{"string": true, "int": true, "float": true, "bool": true}

// validateSnapshot checks the decoded snapshot against the schema, collecting
// every violation so operators see the full list at once.
func validateSnapshot(snap *Snapshot) error {
	var errs []string

	for taskType, target := range snap.SlaTargets {
		if target.TargetMinutes <= 0 {
			errs = append(errs, fmt.Sprintf("sla_targets.%s.target_minutes must be positive", taskType))
		}
		if target.CriticalPercent > 0 && target.CriticalPercent < target.WarningPercent {
			errs = append(errs, fmt.Sprintf("sla_targets.%s critical_percent below warning_percent", taskType))
		}
	}

	for taskType, rule := range snap.RoutingRules {
		if rule.Priority < 0 || rule.Priority > 10 {
			errs = append(errs, fmt.Sprintf("environment_routing.%s.priority must be within [0,10]", taskType))
		}
		if rule.TimeoutMinutes < 0 {
			errs = append(errs, fmt.Sprintf("environment_routing.%s.timeout_minutes must not be negative", taskType))
		}
		if len(rule.PortRange) != 0 && len(rule.PortRange) != 2 {
			errs = append(errs, fmt.Sprintf("environment_routing.%s.port_range must have exactly two entries", taskType))
		}
		for _, name := range rule.PreferredSessions {
			if name == "" {
				errs = append(errs, fmt.Sprintf("environment_routing.%s.preferred_sessions contains an empty name", taskType))
			}
		}
	}

	for name, q := range snap.Queries {
		if strings.TrimSpace(q.SQL) == "" {
			errs = append(errs, fmt.Sprintf("queries.%s.sql is empty", name))
		}
		if q.CacheTTL < 0 {
			errs = append(errs, fmt.Sprintf("queries.%s.cache_ttl must not be negative", name))
		}
		for _, p := range q.Params {
			if p.Name == "" {
				errs = append(errs, fmt.Sprintf("queries.%s has a parameter with no name", name))
			}
			if !validParamTypes[p.Type] {
				errs = append(errs, fmt.Sprintf("queries.%s.params.%s has unknown type %q", name, p.Name, p.Type))
			}
		}
	}

	for i, rule := range snap.FallbackRules {
		if rule.Action == "" {
			errs = append(errs, fmt.Sprintf("fallback_rules[%d].action is empty", i))
		}
	}

	errs = append(errs, validatePatterns(&snap.Patterns)...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(errs, "; "))
	}
	return nil
}

func validatePatterns(table *PatternTable) []string {
	var errs []string
	check := func(section string, patterns []string) {
		for _, p := range patterns {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Sprintf("patterns.%s contains invalid pattern %q", section, p))
			}
		}
	}
	check("idle", table.Idle)
	check("busy", table.Busy)
	check("waiting_input", table.WaitingInput)
	check("completion", table.Completion)
	for _, f := range table.Failure {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			errs = append(errs, fmt.Sprintf("patterns.failure contains invalid pattern %q", f.Pattern))
		}
	}
	for provider, p := range table.Providers {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("patterns.providers.%s is invalid: %q", provider, p))
		}
	}
	if table.RecencyLines < 0 {
		errs = append(errs, "patterns.recency_lines must not be negative")
	}
	return errs
}
