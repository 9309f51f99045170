// Package policy проверяет, кому разрешён легальный с точки зрения автомата переход.
// Правила задаются выражениями CEL и загружаются из YAML.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

//go:embed default.yaml
var defaultRules []byte

// Rule: одно правило авторизации. Пустые From/To означают «любой статус».
type Rule struct {
	Name string          `yaml:"name"`
	From []domain.Status `yaml:"from"`
	To   []domain.Status `yaml:"to"`
	Expr string          `yaml:"expr"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Input: контекст проверки перехода.
type Input struct {
	Actor domain.Actor
	Order domain.Order
	From  domain.Status
	To    domain.Status
}

// Guard: скомпилированный набор правил. Безопасен для конкурентного использования.
type Guard struct {
	rules []compiledRule
}

// Default возвращает встроенный набор правил.
func Default() (*Guard, error) {
	return Load(defaultRules)
}

// LoadFile читает правила из YAML-файла.
func LoadFile(path string) (*Guard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Load(data)
}

// Load разбирает YAML и компилирует все выражения.
func Load(data []byte) (*Guard, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("policy rules are empty")
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(file.Rules))
	rules := make([]compiledRule, 0, len(file.Rules))
	for _, r := range file.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("policy rule without name")
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate policy rule %q", r.Name)
		}
		seen[r.Name] = struct{}{}

		for _, s := range append(append([]domain.Status(nil), r.From...), r.To...) {
			if !s.Valid() {
				return nil, fmt.Errorf("policy rule %q: unknown status %q", r.Name, s)
			}
		}

		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile policy rule %q: %w", r.Name, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program policy rule %q: %w", r.Name, err)
		}
		rules = append(rules, compiledRule{Rule: r, program: program})
	}

	return &Guard{rules: rules}, nil
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("actor_id", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("winning_store_id", cel.StringType),
		cel.Variable("from_status", cel.StringType),
		cel.Variable("to_status", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return env, nil
}

// Check возвращает *domain.PolicyDeniedError для первого нарушенного правила.
func (g *Guard) Check(in Input) error {
	if g == nil {
		return nil
	}

	vars := map[string]any{
		"actor_type":       string(in.Actor.Type),
		"actor_id":         in.Actor.ID,
		"customer_id":      in.Order.CustomerID,
		"winning_store_id": in.Order.WinningStoreID,
		"from_status":      string(in.From),
		"to_status":        string(in.To),
	}

	for _, r := range g.rules {
		if !r.applies(in.From, in.To) {
			continue
		}
		out, _, err := r.program.Eval(vars)
		if err != nil {
			return fmt.Errorf("evaluate policy rule %q: %w", r.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("policy rule %q returned %T, want bool", r.Name, out.Value())
		}
		if !allowed {
			return &domain.PolicyDeniedError{Rule: r.Name, Actor: in.Actor.Type, From: in.From, To: in.To}
		}
	}
	return nil
}

// Rules возвращает имена загруженных правил в порядке проверки.
func (g *Guard) Rules() []string {
	names := make([]string, 0, len(g.rules))
	for _, r := range g.rules {
		names = append(names, r.Name)
	}
	return names
}

func (r compiledRule) applies(from, to domain.Status) bool {
	if len(r.From) > 0 && !slices.Contains(r.From, from) {
		return false
	}
	if len(r.To) > 0 && !slices.Contains(r.To, to) {
		return false
	}
	return true
}
