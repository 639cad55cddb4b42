package rules

import (
	"fmt"
)

// Scope limits which hosts a ConfiguredRule acts on. Patterns are regexes
// matched against the bare host name.
type Scope struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

func (s *Scope) validate(cache *regexCache) error {
	for i, p := range s.Include {
		if _, err := cache.getPattern(p); err != nil {
			return &ValidationError{Field: fmt.Sprintf("scope.include[%d]", i), Message: "invalid regex pattern"}
		}
	}
	for i, p := range s.Exclude {
		if _, err := cache.getPattern(p); err != nil {
			return &ValidationError{Field: fmt.Sprintf("scope.exclude[%d]", i), Message: "invalid regex pattern"}
		}
	}
	return nil
}

// Defined reports whether any scope pattern is configured.
func (s *Scope) Defined() bool {
	return len(s.Include) > 0 || len(s.Exclude) > 0
}

// InScope reports whether host is in scope. Exclusions take precedence; with
// no inclusions every host not excluded is in scope.
func (s *Scope) InScope(cache *regexCache, host string) bool {
	for _, pattern := range s.Exclude {
		if re, err := cache.getPattern(pattern); err == nil && re.MatchString(host) {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, pattern := range s.Include {
		if re, err := cache.getPattern(pattern); err == nil && re.MatchString(host) {
			return true
		}
	}
	return false
}
