package rules

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"interceptor/internal/logger"

	"gopkg.in/yaml.v3"
)

// Mock answers matching requests locally.
type Mock struct {
	Name    string            `yaml:"name"`
	When    Match             `yaml:"when"`
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	// File is read once at load time and takes precedence over Body. Relative
	// paths resolve against the rule file's directory.
	File string `yaml:"file"`

	body []byte
}

// ConfiguredRule is a Rule loaded from a YAML file.
type ConfiguredRule struct {
	RuleName       string        `yaml:"name"`
	InterceptHTTPS bool          `yaml:"intercept_https"`
	Scope          Scope         `yaml:"scope"`
	InterceptHosts []string      `yaml:"intercept_hosts"`
	RelayHosts     []string      `yaml:"relay_hosts"`
	Mocks          []Mock        `yaml:"local_responses"`
	Replacements   []Replacement `yaml:"match_replace"`

	cache *regexCache
	log   *logger.Logger
}

// LoadFile reads and validates a rule file.
func LoadFile(path string, log *logger.Logger) (*ConfiguredRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path), log)
}

// Parse decodes a rule file. baseDir resolves relative mock files.
func Parse(data []byte, baseDir string, log *logger.Logger) (*ConfiguredRule, error) {
	r := &ConfiguredRule{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	r.log = log.With("ConfiguredRule")
	r.cache = newRegexCache()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	for i := range r.Mocks {
		m := &r.Mocks[i]
		if m.File == "" {
			m.body = []byte(m.Body)
			continue
		}
		path := m.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("local_responses[%d].file", i), Message: err.Error()}
		}
		m.body = b
	}
	return r, nil
}

// Validate checks every pattern and enum in the rule.
func (r *ConfiguredRule) Validate() error {
	if r.cache == nil {
		r.cache = newRegexCache()
	}
	if err := r.Scope.validate(r.cache); err != nil {
		return err
	}
	for i, p := range r.InterceptHosts {
		if _, err := r.cache.getPattern(p); err != nil {
			return &ValidationError{Field: fmt.Sprintf("intercept_hosts[%d]", i), Message: "invalid regex pattern"}
		}
	}
	for i, p := range r.RelayHosts {
		if _, err := r.cache.getPattern(p); err != nil {
			return &ValidationError{Field: fmt.Sprintf("relay_hosts[%d]", i), Message: "invalid regex pattern"}
		}
	}
	for i := range r.Mocks {
		m := &r.Mocks[i]
		field := fmt.Sprintf("local_responses[%d]", i)
		if m.Status == 0 {
			m.Status = http.StatusOK
		}
		if m.Status < 100 || m.Status > 999 {
			return &ValidationError{Field: field + ".status", Message: "invalid status code"}
		}
		if err := m.When.validate(field + ".when"); err != nil {
			return err
		}
	}
	for i := range r.Replacements {
		if err := r.Replacements[i].validate(fmt.Sprintf("match_replace[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (r *ConfiguredRule) Name() string {
	if r.RuleName == "" {
		return "configured"
	}
	return r.RuleName
}

func (r *ConfiguredRule) ShouldInterceptHTTPSHost(string) bool { return r.InterceptHTTPS }

// BeforeDealHTTPSRequest relays hosts listed in relay_hosts or outside the
// scope and intercepts hosts listed in intercept_hosts.
func (r *ConfiguredRule) BeforeDealHTTPSRequest(host string) Decision {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if r.matchesAny(r.RelayHosts, host) {
		return DecisionRelay
	}
	if r.matchesAny(r.InterceptHosts, host) {
		return DecisionIntercept
	}
	if r.Scope.Defined() && !r.Scope.InScope(r.cache, host) {
		return DecisionRelay
	}
	return DecisionDefault
}

func (r *ConfiguredRule) matchesAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if re, err := r.cache.getPattern(p); err == nil && re.MatchString(host) {
			return true
		}
	}
	return false
}

func (r *ConfiguredRule) BeforeSendRequest(_ context.Context, ex *Exchange) (*http.Response, error) {
	req := ex.Request
	if !r.Scope.InScope(r.cache, hostOf(req)) {
		return nil, nil
	}

	var bodyErr error
	t := target{req: req, scheme: ex.Scheme, body: func() []byte {
		b, err := ex.RequestBody()
		if err != nil {
			bodyErr = err
		}
		return b
	}}

	for i := range r.Mocks {
		m := &r.Mocks[i]
		ok, err := m.When.evaluate(r.cache, t)
		if err != nil {
			r.log.Warn("error evaluating local response", "name", m.Name, "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		header := make(http.Header, len(m.Headers))
		for k, v := range m.Headers {
			header.Set(k, v)
		}
		r.log.Debug("serving local response", "name", m.Name, "url", req.URL.String())
		return LocalResponse(req, m.Status, header, m.body), nil
	}

	var body []byte
	bodyChanged := false
	for i := range r.Replacements {
		rep := &r.Replacements[i]
		if rep.Disabled {
			continue
		}
		if rep.Target == TargetResponse {
			if rep.MatchType != "header" {
				// Response bodies must arrive uncompressed to be rewritten.
				req.Header.Del("Accept-Encoding")
			}
			continue
		}
		ok, err := rep.When.evaluate(r.cache, t)
		if err != nil || !ok {
			continue
		}
		if rep.MatchType == "header" {
			if rep.applyHeader(req.Header) {
				ex.RequestModified = true
			}
			continue
		}
		if !bodyChanged {
			body = t.body()
		}
		out, err := rep.applyBody(body)
		if err != nil {
			r.log.Warn("error applying replacement", "name", rep.Name, "error", err.Error())
			continue
		}
		if out != nil {
			body, bodyChanged = out, true
		}
	}
	if bodyErr != nil {
		return nil, bodyErr
	}
	if bodyChanged {
		ex.SetRequestBody(body)
	}
	return nil, nil
}

func (r *ConfiguredRule) BeforeSendResponse(_ context.Context, ex *Exchange) error {
	if ex.Response == nil || !r.Scope.InScope(r.cache, hostOf(ex.Request)) {
		return nil
	}

	var (
		body        []byte
		loaded      bool
		bodyErr     error
		bodyChanged bool
	)
	load := func() []byte {
		if !loaded {
			body, bodyErr = ex.ResponseBody()
			loaded = true
		}
		return body
	}
	t := target{req: ex.Request, resp: ex.Response, scheme: ex.Scheme, body: load}

	for i := range r.Replacements {
		rep := &r.Replacements[i]
		if rep.Disabled || rep.Target != TargetResponse {
			continue
		}
		ok, err := rep.When.evaluate(r.cache, t)
		if err != nil || !ok {
			continue
		}
		if rep.MatchType == "header" {
			if rep.applyHeader(ex.Response.Header) {
				ex.ResponseModified = true
			}
			continue
		}
		out, err := rep.applyBody(load())
		if err != nil {
			r.log.Warn("error applying replacement", "name", rep.Name, "error", err.Error())
			continue
		}
		if out != nil {
			body, bodyChanged = out, true
		}
	}
	if bodyErr != nil {
		return bodyErr
	}
	if bodyChanged {
		ex.SetResponseBody(body)
	}
	return nil
}
