// Package retry implements the retry policy engine: failure classification,
// backoff scheduling, and attempt-cap enforcement for a single caller
// operation.
package retry

import (
	"fmt"
	"time"
)

// RuleKind is the verdict a classification Rule assigns to a matched error.
type RuleKind int

const (
	// Transient errors are retried with backoff.
	Transient RuleKind = iota
	// Permanent errors are surfaced immediately without retry.
	Permanent
)

func (k RuleKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Rule matches an error by exact kind and/or message substring. A zero
// value field is not checked, so a Rule may match on kind alone, message
// alone, or both.
type Rule struct {
	Kind     RuleKind
	ErrKind  string // matched against ClassifiableError.Kind(), if non-empty
	Contains string // matched against err.Error(), if non-empty
}

func (r Rule) matches(err error) bool {
	if r.ErrKind != "" {
		ce, ok := err.(ClassifiableError)
		if !ok || ce.Kind() != r.ErrKind {
			return false
		}
	}
	if r.Contains != "" && !containsFold(err.Error(), r.Contains) {
		return false
	}
	return r.ErrKind != "" || r.Contains != ""
}

// ClassifiableError lets an error self-report a coarse kind string so a
// Rule can match on it without string-scanning the message.
type ClassifiableError interface {
	error
	Kind() string
}

// StatusCodeError lets an error self-report an HTTP-like status code so the
// classifier can consult the retryable/non-retryable status tables.
type StatusCodeError interface {
	error
	StatusCode() int
}

// Classifier holds ordered match rules plus retryable-status-code sets.
// Classification precedence: explicit permanent rules, then explicit
// transient rules, then non-retryable status codes, then retryable status
// codes, then default (transient).
type Classifier struct {
	Rules                []Rule
	RetryableStatusCodes map[int]bool
	NonRetryableStatus   map[int]bool
}

// DefaultClassifier treats network/timeout/rate-limit errors as transient,
// and common permanent HTTP statuses (401, 403, 404, 410) as permanent.
func DefaultClassifier() *Classifier {
	return &Classifier{
		Rules: []Rule{
			{Kind: Permanent, Contains: "authentication denied"},
			{Kind: Permanent, Contains: "not found"},
			{Kind: Permanent, Contains: "parsing failure"},
			{Kind: Transient, Contains: "timeout"},
			{Kind: Transient, Contains: "connection reset"},
			{Kind: Transient, Contains: "rate limit"},
		},
		NonRetryableStatus: map[int]bool{
			400: true, 401: true, 403: true, 404: true, 410: true, 422: true,
		},
		RetryableStatusCodes: map[int]bool{
			408: true, 425: true, 429: true, 500: true, 502: true, 503: true, 504: true,
		},
	}
}

// Classify returns the RuleKind verdict for err following the precedence
// order described on Classifier.
func (c *Classifier) Classify(err error) RuleKind {
	if c == nil {
		return Transient
	}

	for _, r := range c.Rules {
		if r.Kind == Permanent && r.matches(err) {
			return Permanent
		}
	}
	for _, r := range c.Rules {
		if r.Kind == Transient && r.matches(err) {
			return Transient
		}
	}

	if sc, ok := err.(StatusCodeError); ok {
		code := sc.StatusCode()
		if c.NonRetryableStatus[code] {
			return Permanent
		}
		if c.RetryableStatusCodes[code] {
			return Transient
		}
	}

	return Transient
}

func containsFold(haystack, needle string) bool {
	return len(needle) == 0 || indexFold(haystack, needle) >= 0
}

// indexFold is a tiny case-insensitive substring search, avoiding an import
// of strings.ToLower on the hot classification path for short messages.
func indexFold(haystack, needle string) int {
	hn, nn := len(haystack), len(needle)
	if nn == 0 {
		return 0
	}
	for i := 0; i+nn <= hn; i++ {
		match := true
		for j := 0; j < nn; j++ {
			a, b := haystack[i+j], needle[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Policy is a named, immutable retry policy.
type Policy struct {
	Name         string
	MaxAttempts  int           // 1-100
	BaseDelay    time.Duration
	Multiplier   float64       // 1.0-10.0
	MaxDelay     time.Duration
	JitterFactor float64       // 0.0-1.0
	Classifier   *Classifier
}

// Validate checks the policy's bounds per the data model.
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 100 {
		return fmt.Errorf("retry: max attempts %d out of range [1,100]", p.MaxAttempts)
	}
	if p.Multiplier < 1.0 || p.Multiplier > 10.0 {
		return fmt.Errorf("retry: multiplier %f out of range [1.0,10.0]", p.Multiplier)
	}
	if p.JitterFactor < 0.0 || p.JitterFactor > 1.0 {
		return fmt.Errorf("retry: jitter factor %f out of range [0.0,1.0]", p.JitterFactor)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: max delay must be >= base delay")
	}
	return nil
}

// StandardPolicy is the library's named "standard" policy: moderate retries
// with exponential backoff and jitter, the default referenced by
// corekit.Config.DefaultRetryPolicy.
func StandardPolicy() *Policy {
	return &Policy{
		Name:         "standard",
		MaxAttempts:  5,
		BaseDelay:    1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
		Classifier:   DefaultClassifier(),
	}
}
