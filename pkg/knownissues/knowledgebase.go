// Package knownissues matches operation logs against known failure signatures.
package knownissues

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/device-harness/pkg/core"
)

//go:embed rules.yaml
var defaultRules []byte

const matchTimeout = 2 * time.Second

// ruleFile is the on-disk shape of a rules file.
type ruleFile struct {
	Install []ruleSpec `yaml:"install"`
	Test    []ruleSpec `yaml:"test"`
}

type ruleSpec struct {
	Pattern  string `yaml:"pattern"`
	Message  string `yaml:"message"`
	Link     string `yaml:"link"`
	ExitCode string `yaml:"exitCode"`
}

type rule struct {
	re    *regexp2.Regexp
	issue core.KnownIssue
}

// KnowledgeBase classifies failures from log contents.
// Rules are evaluated in order; user rules run before the built-in ones.
type KnowledgeBase struct {
	install []rule
	test    []rule
}

// New creates a KnowledgeBase with the built-in rules.
func New() (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	if err := kb.load(defaultRules, "built-in rules"); err != nil {
		return nil, err
	}
	return kb, nil
}

// LoadFile adds rules from a YAML file ahead of the existing ones.
func (kb *KnowledgeBase) LoadFile(path string) error {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided rules file
	if err != nil {
		return fmt.Errorf("failed to read known issues file: %w", err)
	}

	extra := &KnowledgeBase{}
	if err := extra.load(data, path); err != nil {
		return err
	}
	kb.install = append(extra.install, kb.install...)
	kb.test = append(extra.test, kb.test...)
	return nil
}

func (kb *KnowledgeBase) load(data []byte, source string) error {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse %s: %w", source, err)
	}

	install, err := compile(f.Install, source)
	if err != nil {
		return err
	}
	test, err := compile(f.Test, source)
	if err != nil {
		return err
	}

	kb.install = append(kb.install, install...)
	kb.test = append(kb.test, test...)
	return nil
}

func compile(specs []ruleSpec, source string) ([]rule, error) {
	rules := make([]rule, 0, len(specs))
	for i, s := range specs {
		re, err := regexp2.Compile(s.Pattern, regexp2.Multiline)
		if err != nil {
			return nil, fmt.Errorf("%s: rule %d: invalid pattern %q: %w", source, i, s.Pattern, err)
		}
		re.MatchTimeout = matchTimeout

		issue := core.KnownIssue{HumanMessage: s.Message, IssueLink: s.Link}
		if s.ExitCode != "" {
			code, ok := core.ParseExitCode(s.ExitCode)
			if !ok {
				return nil, fmt.Errorf("%s: rule %d: unknown exit code %q", source, i, s.ExitCode)
			}
			issue.SuggestedExitCode = core.Suggest(code)
		}
		rules = append(rules, rule{re: re, issue: issue})
	}
	return rules, nil
}

// IsKnownInstallIssue inspects the log at path for a known installation failure.
func (kb *KnowledgeBase) IsKnownInstallIssue(path string) (core.KnownIssue, bool) {
	return match(kb.install, path)
}

// IsKnownTestIssue inspects the log at path for a known launch or test failure.
func (kb *KnowledgeBase) IsKnownTestIssue(path string) (core.KnownIssue, bool) {
	return match(kb.test, path)
}

func match(rules []rule, path string) (core.KnownIssue, bool) {
	if path == "" {
		return core.KnownIssue{}, false
	}
	data, err := os.ReadFile(path) //#nosec G304 -- log file owned by this process
	if err != nil {
		return core.KnownIssue{}, false
	}
	content := string(data)

	for _, r := range rules {
		// A timed-out match is treated as no match.
		if ok, err := r.re.MatchString(content); err == nil && ok {
			return r.issue, true
		}
	}
	return core.KnownIssue{}, false
}
