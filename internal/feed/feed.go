// Package feed turns raw declarative rule records into engine rules.
//
// The feed is the authoring surface: a YAML document with an entities
// list, or an inline JSON array. Unknown fields are ignored and missing
// fields are left absent so the validator, not the parser, decides what a
// complete rule looks like.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/openconnector/sdagent/internal/rule"
)

// Entry is one raw feed record. Every field is optional at parse time.
type Entry struct {
	RuleNum         int        `yaml:"ruleNum" json:"ruleNum"`
	Name            string     `yaml:"name" json:"name"`
	ClientID        string     `yaml:"clientId" json:"clientId"`
	AllowedEntities []string   `yaml:"allowedEntities" json:"allowedEntities"`
	Apps            []AppEntry `yaml:"apps" json:"apps"`
	Pattern         string     `yaml:"pattern" json:"pattern"`
	PatternType     string     `yaml:"patternType" json:"patternType"`
	HTTPProxyPort   *int       `yaml:"httpProxyPort" json:"httpProxyPort"`
	SocksServerPort *int       `yaml:"socksServerPort" json:"socksServerPort"`
}

// AppEntry is one raw (container, appId) pair.
type AppEntry struct {
	Container string `yaml:"container" json:"container"`
	AppID     string `yaml:"appId" json:"appId"`
}

type document struct {
	Entities []Entry `yaml:"entities"`
}

// Parse reads a YAML feed document and converts its entities into rules,
// preserving feed order.
func Parse(r io.Reader) ([]*rule.Rule, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rule feed: %w", err)
	}
	return convertAll(doc.Entities), nil
}

// ParseFile reads a YAML feed from disk.
func ParseFile(path string) ([]*rule.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule feed: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// ParseJSON converts an inline JSON array of entries into rules.
func ParseJSON(data string) ([]*rule.Rule, error) {
	var entries []Entry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("parse rules JSON: %w", err)
	}
	return convertAll(entries), nil
}

func convertAll(entries []Entry) []*rule.Rule {
	rules := make([]*rule.Rule, 0, len(entries))
	for i := range entries {
		rules = append(rules, convert(&entries[i]))
	}
	return rules
}

func convert(e *Entry) *rule.Rule {
	r := &rule.Rule{
		RuleNum:         e.RuleNum,
		Name:            e.Name,
		ClientID:        e.ClientID,
		AllowedEntities: e.AllowedEntities,
		Pattern:         e.Pattern,
		PatternType:     rule.PatternType(e.PatternType),
		HTTPProxyPort:   e.HTTPProxyPort,
		SocksServerPort: e.SocksServerPort,
	}
	for _, app := range e.Apps {
		r.Apps = append(r.Apps, rule.App{Container: app.Container, AppID: app.AppID})
	}
	return r
}
