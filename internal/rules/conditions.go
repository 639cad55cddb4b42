package rules

import (
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// ValidationError reports an invalid field in a rule file.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Condition matches one attribute of an exchange against a regex.
type Condition struct {
	MatchType    string `yaml:"match_type"`
	Relationship string `yaml:"relationship"`
	Pattern      string `yaml:"pattern"`
	// Field is the gjson path for the json match type.
	Field string `yaml:"field"`
}

// Match groups conditions. Operator "and" requires all conditions, "or" any.
// An empty Match always matches.
type Match struct {
	Operator   string      `yaml:"operator"`
	Conditions []Condition `yaml:"conditions"`
}

var (
	validOperators     = map[string]bool{"": true, "and": true, "or": true}
	validRelationships = map[string]bool{"": true, "matches": true, "doesn't match": true}
	validMatchTypes    = map[string]bool{
		"domain": true, "protocol": true, "method": true,
		"url": true, "path": true, "file_extension": true,
		"header": true, "json": true, "status": true,
	}
)

func (m *Match) validate(field string) error {
	if !validOperators[m.Operator] {
		return &ValidationError{Field: field + ".operator", Message: "must be 'and' or 'or'"}
	}
	for i, c := range m.Conditions {
		f := fmt.Sprintf("%s.conditions[%d]", field, i)
		if !validMatchTypes[c.MatchType] {
			return &ValidationError{Field: f + ".match_type", Message: "invalid match type"}
		}
		if !validRelationships[c.Relationship] {
			return &ValidationError{Field: f + ".relationship", Message: "must be 'matches' or 'doesn't match'"}
		}
		if c.MatchType == "file_extension" {
			continue
		}
		if strings.TrimSpace(c.Pattern) == "" {
			return &ValidationError{Field: f + ".pattern", Message: "cannot be empty"}
		}
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return &ValidationError{Field: f + ".pattern", Message: "invalid regex pattern"}
		}
		if c.MatchType == "json" && c.Field == "" {
			return &ValidationError{Field: f + ".field", Message: "json conditions need a field path"}
		}
	}
	return nil
}

// target is what a Match is evaluated against. body is loaded lazily since
// most conditions never need it.
type target struct {
	req    *http.Request
	resp   *http.Response
	scheme string
	body   func() []byte
}

func (m *Match) evaluate(cache *regexCache, t target) (bool, error) {
	if len(m.Conditions) == 0 {
		return true, nil
	}
	anyOf := m.Operator == "or"
	for _, c := range m.Conditions {
		ok, err := c.evaluate(cache, t)
		if err != nil {
			return false, err
		}
		if anyOf && ok {
			return true, nil
		}
		if !anyOf && !ok {
			return false, nil
		}
	}
	return !anyOf, nil
}

func (c *Condition) evaluate(cache *regexCache, t target) (bool, error) {
	var matched bool
	if c.MatchType == "file_extension" {
		matched = isStaticExtension(t.req.URL.Path)
	} else {
		re, err := cache.getPattern(c.Pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", c.Pattern, err)
		}
		switch c.MatchType {
		case "domain":
			matched = re.MatchString(hostOf(t.req))
		case "protocol":
			matched = re.MatchString(t.scheme)
		case "method":
			matched = re.MatchString(t.req.Method)
		case "url":
			matched = re.MatchString(t.scheme + "://" + hostOf(t.req) + t.req.URL.RequestURI())
		case "path":
			matched = re.MatchString(t.req.URL.Path)
		case "header":
			matched = matchHeaders(t.req.Header, re)
			if t.resp != nil && !matched {
				matched = matchHeaders(t.resp.Header, re)
			}
		case "json":
			if body := t.body(); gjson.ValidBytes(body) {
				res := gjson.GetBytes(body, c.Field)
				matched = res.Exists() && re.MatchString(res.String())
			}
		case "status":
			if t.resp != nil {
				matched = re.MatchString(strconv.Itoa(t.resp.StatusCode))
			}
		default:
			return false, fmt.Errorf("unknown match type: %s", c.MatchType)
		}
	}

	if c.Relationship == "doesn't match" {
		matched = !matched
	}
	return matched, nil
}

func hostOf(req *http.Request) string {
	if req.URL.Host != "" {
		return req.URL.Hostname()
	}
	host := req.Host
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

func matchHeaders(headers http.Header, re *regexp.Regexp) bool {
	for key, values := range headers {
		for _, value := range values {
			if re.MatchString(key + ": " + value) {
				return true
			}
		}
	}
	return false
}

var staticExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"bmp": true, "svg": true, "webp": true, "ico": true,
	"tiff": true, "avif": true,
	"css": true, "less": true, "scss": true,
	"woff": true, "woff2": true, "ttf": true, "otf": true,
	"eot": true,
	"js":  true, "mjs": true, "map": true,
	"pdf": true,
	"mp3": true, "mp4": true, "wav": true, "avi": true,
	"mov": true, "webm": true, "ogg": true, "flac": true,
	"zip": true, "gz": true, "7z": true,
}

func isStaticExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	return staticExtensions[ext[1:]]
}

// regexCache compiles each pattern once.
type regexCache struct {
	patterns map[string]*regexp.Regexp
	mu       sync.RWMutex
}

func newRegexCache() *regexCache {
	return &regexCache{patterns: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) getPattern(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.patterns[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.patterns[pattern] = re
	return re, nil
}
