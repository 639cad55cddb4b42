package rules

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	TargetRequest  = "request"
	TargetResponse = "response"
)

// Replacement rewrites part of a request or response.
//
//	body:   every occurrence of Match in the body becomes Replace
//	header: "Name: value" in Match; a header with that exact value is set to Replace
//	json:   Match is a gjson path; the field is set to Replace (raw JSON when valid)
type Replacement struct {
	Name      string `yaml:"name"`
	Target    string `yaml:"target"`
	MatchType string `yaml:"match_type"`
	Match     string `yaml:"match"`
	Replace   string `yaml:"replace"`
	When      Match  `yaml:"when"`
	Disabled  bool   `yaml:"disabled"`
}

func (r *Replacement) validate(field string) error {
	if r.Target != TargetRequest && r.Target != TargetResponse {
		return &ValidationError{Field: field + ".target", Message: "must be 'request' or 'response'"}
	}
	switch r.MatchType {
	case "body", "json":
		if r.Match == "" {
			return &ValidationError{Field: field + ".match", Message: "cannot be empty"}
		}
	case "header":
		if !strings.Contains(r.Match, ":") {
			return &ValidationError{Field: field + ".match", Message: "must be 'Name: value'"}
		}
	default:
		return &ValidationError{Field: field + ".match_type", Message: "must be 'body', 'header' or 'json'"}
	}
	return r.When.validate(field + ".when")
}

// applyHeader returns true when a header was rewritten.
func (r *Replacement) applyHeader(h http.Header) bool {
	parts := strings.SplitN(r.Match, ":", 2)
	name := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])
	if h.Get(name) != value {
		return false
	}
	h.Set(name, r.Replace)
	return true
}

// applyBody returns the rewritten body, or nil when nothing changed.
func (r *Replacement) applyBody(body []byte) ([]byte, error) {
	switch r.MatchType {
	case "body":
		out := bytes.ReplaceAll(body, []byte(r.Match), []byte(r.Replace))
		if bytes.Equal(out, body) {
			return nil, nil
		}
		return out, nil
	case "json":
		if !gjson.ValidBytes(body) {
			return nil, nil
		}
		var (
			out []byte
			err error
		)
		if gjson.Valid(r.Replace) {
			out, err = sjson.SetRawBytes(body, r.Match, []byte(r.Replace))
		} else {
			out, err = sjson.SetBytes(body, r.Match, r.Replace)
		}
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", r.Match, err)
		}
		if bytes.Equal(out, body) {
			return nil, nil
		}
		return out, nil
	}
	return nil, nil
}
