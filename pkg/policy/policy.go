package policy

import (
	"regexp"
	"strings"

	"s3mirror/pkg/models"
)

// DefaultVolatilePattern matches keys of artifacts that change without their key changing
const DefaultVolatilePattern = `(head|dev|snapshot|nightly)`

// Decision is the result of evaluating an object against the policy
type Decision struct {
	Proceed bool
	Reason  models.SkipReason
	DestKey string
}

// Policy decides whether an object is mirrored and where it lands
type Policy struct {
	Mapping  models.PrefixMapping
	Volatile *regexp.Regexp
}

// New compiles the volatile pattern and returns a policy. An empty pattern
// selects DefaultVolatilePattern.
func New(mapping models.PrefixMapping, volatilePattern string) (*Policy, error) {
	if volatilePattern == "" {
		volatilePattern = DefaultVolatilePattern
	}
	re, err := regexp.Compile(volatilePattern)
	if err != nil {
		return nil, err
	}
	return &Policy{Mapping: mapping, Volatile: re}, nil
}

// DestKey replaces the first occurrence of the source prefix with the destination prefix
func (p *Policy) DestKey(key string) string {
	return strings.Replace(key, p.Mapping.SourcePrefix, p.Mapping.DestPrefix, 1)
}

// IsVolatile reports whether key must be re-transferred even if it exists
func (p *Policy) IsVolatile(key string) bool {
	return p.Volatile != nil && p.Volatile.MatchString(key)
}

// Precheck evaluates the rules that do not depend on the destination. done is
// true when the decision is final; otherwise only DestKey is populated.
func (p *Policy) Precheck(obj models.ObjectSummary) (d Decision, done bool) {
	if obj.Size <= 0 {
		return Decision{Reason: models.SkipBlank}, true
	}
	if !strings.HasPrefix(obj.Key, p.Mapping.SourcePrefix) {
		return Decision{Reason: models.SkipPrefixMismatch}, true
	}
	return Decision{DestKey: p.DestKey(obj.Key)}, false
}

// Decide applies every rule in order; the first match wins.
func (p *Policy) Decide(obj models.ObjectSummary, destExists bool) Decision {
	d, done := p.Precheck(obj)
	if done {
		return d
	}
	if destExists && !p.IsVolatile(d.DestKey) {
		d.Reason = models.SkipAlreadyExists
		return d
	}
	d.Proceed = true
	return d
}
