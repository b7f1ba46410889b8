package pipeline

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule maps matching entries to a level and a category tag. Empty Sources or
// Processes match everything; Pattern is applied to the message. First match
// wins, so order is priority.
type Rule struct {
	Sources   []Source
	Processes []string
	Pattern   *regexp.Regexp
	Level     Level
	Category  string
}

func (r Rule) matches(e *Entry) bool {
	if len(r.Sources) > 0 {
		found := false
		for _, s := range r.Sources {
			if s == e.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.Processes) > 0 {
		found := false
		for _, p := range r.Processes {
			if p == e.Process {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.Pattern == nil || r.Pattern.MatchString(e.Message)
}

// Classifier applies an ordered rule list to entries. Unmatched entries keep
// their source-provided level and get no category.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a Classifier with the built-in rules.
func NewClassifier() *Classifier {
	return &Classifier{rules: builtinRules()}
}

// Classify rewrites e.Level and e.Tag per the first matching rule. The
// fingerprint is recomputed when the level changes, since it hashes the level.
func (c *Classifier) Classify(e *Entry) {
	for _, r := range c.rules {
		if !r.matches(e) {
			continue
		}
		if r.Level != "" && r.Level != e.Level {
			e.Level = r.Level
			e.Fingerprint = ComputeFingerprint(e.Level, e.Process, e.Message)
		}
		if r.Category != "" {
			e.Tag = r.Category
		}
		return
	}
}

func builtinRules() []Rule {
	mk := func(pat string, level Level, cat string) Rule {
		return Rule{Pattern: regexp.MustCompile(pat), Level: level, Category: cat}
	}
	return []Rule{
		mk(`(?i)deny\(\d+\)|sandbox.*violation|violation.*sandbox`, LevelError, "sandbox-violation"),
		mk(`(?i)code ?sign|provisioning profile|entitlement.{0,40}(invalid|missing|denied)`, LevelError, "code-signing"),
		mk(`(?i)unable to simultaneously satisfy constraints|NSLayoutConstraint`, LevelWarning, "autolayout-conflict"),
		mk(`(?i)received memory (pressure|warning)|didReceiveMemoryWarning|jetsam`, LevelWarning, "memory-warning"),
		mk(`(?i)SSL|TLS|boringssl|NSURLErrorDomain.*-12\d\d|certificate.{0,40}(invalid|untrusted|verify)`, LevelError, "tls-failure"),
		mk(`(?i)CoreData:.*error|NSManagedObjectContext.*error|NSPersistentStore`, LevelError, "coredata-error"),
		mk(`(?i)EXC_BAD_ACCESS|SIGABRT|SIGSEGV|fatal error:`, LevelFault, "crash"),
		mk(`(?i)keychain.*(err|fail)|errSecItemNotFound|-34018`, LevelError, "keychain-error"),
		mk(`(?i)\bwatchdog\b.*(terminat|kill)|exhausted real.*time allowance`, LevelFault, "watchdog-termination"),
	}
}

// ruleFile is the YAML shape of a ~/.quern/rules.yaml override entry.
type ruleFile struct {
	Rules []struct {
		Sources   []string `yaml:"sources"`
		Processes []string `yaml:"processes"`
		Pattern   string   `yaml:"pattern"`
		Level     string   `yaml:"level"`
		Category  string   `yaml:"category"`
	} `yaml:"rules"`
}

// LoadRules reads user rules from path and prepends them to the built-in set
// (user rules win). A missing file leaves the built-ins untouched.
func (c *Classifier) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading rules file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parsing rules file: %w", err)
	}
	var user []Rule
	for i, r := range rf.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("rule %d: pattern is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		rule := Rule{Pattern: re, Category: r.Category}
		if r.Level != "" {
			rule.Level = ParseLevel(r.Level)
		}
		for _, s := range r.Sources {
			rule.Sources = append(rule.Sources, Source(s))
		}
		rule.Processes = append(rule.Processes, r.Processes...)
		user = append(user, rule)
	}
	c.rules = append(user, builtinRules()...)
	return nil
}
