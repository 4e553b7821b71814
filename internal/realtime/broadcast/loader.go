package broadcast

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"ridelink/internal/domain/event"
)

// ruleFile is the YAML shape for declaratively registered rules.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name      string         `yaml:"name"`
	Events    []string       `yaml:"events"`
	Roles     []string       `yaml:"roles"`
	Rooms     []string       `yaml:"rooms"`
	Users     []string       `yaml:"users"`
	Condition string         `yaml:"condition"`
	Transform map[string]any `yaml:"transform"`
}

// LoadRulesFile parses a YAML rule file into Rules ready for AddRule.
// Conditions are expr expressions evaluated against the event's wire shape
// (id, type, timestamp, user_id, metadata, data).
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("broadcast: open rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules parses YAML rule declarations.
func ParseRules(raw []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("broadcast: parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("broadcast: rule %d (%s): %w", i, spec.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// build converts one YAML spec into a Rule with a compiled condition.
func (spec ruleSpec) build() (Rule, error) {
	types := make([]event.Type, 0, len(spec.Events))
	for _, name := range spec.Events {
		eventType, err := event.ParseType(name)
		if err != nil {
			return Rule{}, fmt.Errorf("event %q: %w", name, err)
		}
		types = append(types, eventType)
	}

	rule := Rule{Name: spec.Name, Types: types}
	rule.Roles, rule.RoleFunc = splitTargets(spec.Roles)
	rule.Rooms, rule.RoomFunc = splitTargets(spec.Rooms)
	rule.Users, rule.UserFunc = splitTargets(spec.Users)

	if spec.Condition != "" {
		condition, err := compileCondition(spec.Condition)
		if err != nil {
			return Rule{}, err
		}
		rule.Condition = condition
	}

	if len(spec.Transform) > 0 {
		fields := make(map[string]any, len(spec.Transform))
		maps.Copy(fields, spec.Transform)
		rule.Transform = func(*event.Event) map[string]any { return fields }
	}

	if err := rule.validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// compileCondition compiles an expr predicate over the event wire shape.
// A condition that fails to evaluate is treated as not matching.
func compileCondition(src string) (func(*event.Event) bool, error) {
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	return func(ev *event.Event) bool {
		env, err := eventEnv(ev)
		if err != nil {
			return false
		}
		return runCondition(program, env)
	}, nil
}

func runCondition(program *vm.Program, env map[string]any) bool {
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	matched, ok := out.(bool)
	return ok && matched
}

// placeholderPattern matches {field} segments in templated targets.
var placeholderPattern = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// splitTargets separates static targets from templated ones. A template like
// "ride:{ride_id}" resolves its fields from the event's wire shape (the data
// object first, then top-level fields) per delivery; a target with an
// unresolvable field yields nothing.
func splitTargets(targets []string) ([]string, func(*event.Event) []string) {
	var static, templated []string
	for _, target := range targets {
		if placeholderPattern.MatchString(target) {
			templated = append(templated, target)
		} else {
			static = append(static, target)
		}
	}
	if len(templated) == 0 {
		return static, nil
	}

	fn := func(ev *event.Event) []string {
		env, err := eventEnv(ev)
		if err != nil {
			return nil
		}
		out := make([]string, 0, len(templated))
		for _, target := range templated {
			if resolved, ok := resolveTemplate(target, env); ok {
				out = append(out, resolved)
			}
		}
		return out
	}
	return static, fn
}

func resolveTemplate(target string, env map[string]any) (string, bool) {
	complete := true
	resolved := placeholderPattern.ReplaceAllStringFunc(target, func(match string) string {
		field := match[1 : len(match)-1]
		if value, ok := lookupField(env, field); ok {
			return value
		}
		complete = false
		return ""
	})
	return resolved, complete
}

func lookupField(env map[string]any, field string) (string, bool) {
	if data, ok := env["data"].(map[string]any); ok {
		if value, ok := data[field].(string); ok && value != "" {
			return value, true
		}
	}
	if value, ok := env[field].(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// eventEnv exposes the event's wire shape to condition expressions.
func eventEnv(ev *event.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env, nil
}
