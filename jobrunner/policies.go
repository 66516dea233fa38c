package jobrunner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghostcrawl/core/abortctrl"
	"github.com/ghostcrawl/core/retry"
)

// PolicyBundle is the parsed form of a policy file: named retry and abort
// policies jobs select by name, e.g. via corekit.Config's
// DefaultRetryPolicy / DefaultAbortPolicy.
type PolicyBundle struct {
	Retry map[string]*retry.Policy
	Abort map[string]*abortctrl.Policy
}

// RetryPolicy returns the named retry policy, falling back to the
// built-in "standard" one.
func (b *PolicyBundle) RetryPolicy(name string) *retry.Policy {
	if b != nil {
		if p, ok := b.Retry[name]; ok {
			return p
		}
	}
	return retry.StandardPolicy()
}

// AbortPolicy returns the named abort policy, falling back to the
// built-in "standard" one.
func (b *PolicyBundle) AbortPolicy(name string) *abortctrl.Policy {
	if b != nil {
		if p, ok := b.Abort[name]; ok {
			return p
		}
	}
	return abortctrl.StandardPolicy()
}

// policyFile is the YAML document shape.
type policyFile struct {
	RetryPolicies map[string]retryPolicyYAML `yaml:"retry_policies"`
	AbortPolicies map[string]abortPolicyYAML `yaml:"abort_policies"`
}

// durationYAML accepts either a Go duration string ("500ms") or a bare
// number of seconds.
type durationYAML time.Duration

func (d *durationYAML) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil && value.ShortTag() == "!!str" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = durationYAML(parsed)
		return nil
	}

	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = durationYAML(time.Duration(seconds * float64(time.Second)))
	return nil
}

type retryPolicyYAML struct {
	MaxAttempts  int          `yaml:"max_attempts"`
	BaseDelay    durationYAML `yaml:"base_delay"`
	Multiplier   float64      `yaml:"multiplier"`
	MaxDelay     durationYAML `yaml:"max_delay"`
	JitterFactor float64      `yaml:"jitter_factor"`
	Permanent    []string     `yaml:"permanent_patterns"`
	Transient    []string     `yaml:"transient_patterns"`
	Retryable    []int        `yaml:"retryable_status_codes"`
	NonRetryable []int        `yaml:"non_retryable_status_codes"`
}

type abortPolicyYAML struct {
	FailureRateThreshold  float64      `yaml:"failure_rate_threshold"`
	WindowSize            int          `yaml:"window_size"`
	WindowDuration        durationYAML `yaml:"window_duration"`
	MaxConsecutiveCrashes int          `yaml:"max_consecutive_crashes"`
	MinOperations         int          `yaml:"min_operations"`
	Actions               []actionYAML `yaml:"actions"`
}

type actionYAML struct {
	Kind    string       `yaml:"kind"`
	Target  string       `yaml:"target"`
	Timeout durationYAML `yaml:"timeout"`
}

// LoadPolicyBundle parses a YAML policy file and validates every policy
// in it. Omitted fields take their zero values rather than being merged
// with defaults; a policy whose resulting values fail validation is a
// configuration error.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobrunner: reading policy file: %w", err)
	}

	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("jobrunner: parsing policy file %s: %w", path, err)
	}

	bundle := &PolicyBundle{
		Retry: make(map[string]*retry.Policy, len(doc.RetryPolicies)),
		Abort: make(map[string]*abortctrl.Policy, len(doc.AbortPolicies)),
	}

	for name, rp := range doc.RetryPolicies {
		classifier := &retry.Classifier{
			RetryableStatusCodes: codeSet(rp.Retryable),
			NonRetryableStatus:   codeSet(rp.NonRetryable),
		}
		for _, pat := range rp.Permanent {
			classifier.Rules = append(classifier.Rules, retry.Rule{Kind: retry.Permanent, Contains: pat})
		}
		for _, pat := range rp.Transient {
			classifier.Rules = append(classifier.Rules, retry.Rule{Kind: retry.Transient, Contains: pat})
		}

		policy := &retry.Policy{
			Name:         name,
			MaxAttempts:  rp.MaxAttempts,
			BaseDelay:    time.Duration(rp.BaseDelay),
			Multiplier:   rp.Multiplier,
			MaxDelay:     time.Duration(rp.MaxDelay),
			JitterFactor: rp.JitterFactor,
			Classifier:   classifier,
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("jobrunner: retry policy %q: %w", name, err)
		}
		bundle.Retry[name] = policy
	}

	for name, ap := range doc.AbortPolicies {
		policy := &abortctrl.Policy{
			Name:                  name,
			FailureRateThreshold:  ap.FailureRateThreshold,
			WindowSize:            ap.WindowSize,
			WindowDuration:        time.Duration(ap.WindowDuration),
			MaxConsecutiveCrashes: ap.MaxConsecutiveCrashes,
			MinOperations:         ap.MinOperations,
		}
		for _, a := range ap.Actions {
			policy.Actions = append(policy.Actions, abortctrl.Action{
				Kind:    abortctrl.ActionKind(a.Kind),
				Target:  a.Target,
				Timeout: time.Duration(a.Timeout),
			})
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("jobrunner: abort policy %q: %w", name, err)
		}
		bundle.Abort[name] = policy
	}

	return bundle, nil
}

func codeSet(codes []int) map[int]bool {
	if len(codes) == 0 {
		return nil
	}
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}
