// Package plugin implements the Rule Plugin Table (C11): a static,
// per-file-extension lookup of {rule_set, system_prompt, context_template}
// consumed by the review agent's PARSE and LINE_ANALYSIS phases.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/adorevd/prreview/internal/models"
)

// defaultExtension is the key under which the catch-all fallback row is
// stored, both in the shipped default table and any loaded file that omits
// one.
const defaultExtension = "*"

// Table is the loaded extension → rule mapping, with a guaranteed fallback
// row for unmatched extensions.
type Table struct {
	rules map[string]models.PluginRule
}

// fileFormat mirrors the on-disk YAML shape: a list of rows keyed by
// extension (including the literal "*" for the fallback row).
type fileFormat struct {
	Rules []struct {
		Extension       string   `yaml:"extension"`
		RuleSet         []string `yaml:"rule_set"`
		SystemPrompt    string   `yaml:"system_prompt"`
		ContextTemplate string   `yaml:"context_template"`
	} `yaml:"rules"`
}

// Default returns the small built-in table SPEC_FULL.md §10.5 names:
// .go, .py, .java, .ts, .js, plus a catch-all default row.
func Default() *Table {
	t := &Table{rules: make(map[string]models.PluginRule)}
	for _, r := range []models.PluginRule{
		{Extension: ".go", RuleSet: []string{"general", "go-idioms"}, SystemPrompt: defaultSystemPrompt, ContextTemplate: defaultContextTemplate},
		{Extension: ".py", RuleSet: []string{"general", "python-idioms"}, SystemPrompt: defaultSystemPrompt, ContextTemplate: defaultContextTemplate},
		{Extension: ".java", RuleSet: []string{"general", "java-idioms"}, SystemPrompt: defaultSystemPrompt, ContextTemplate: defaultContextTemplate},
		{Extension: ".ts", RuleSet: []string{"general", "typescript-idioms"}, SystemPrompt: defaultSystemPrompt, ContextTemplate: defaultContextTemplate},
		{Extension: ".js", RuleSet: []string{"general", "javascript-idioms"}, SystemPrompt: defaultSystemPrompt, ContextTemplate: defaultContextTemplate},
		{Extension: defaultExtension, RuleSet: []string{"general"}, SystemPrompt: defaultSystemPrompt, ContextTemplate: defaultContextTemplate},
	} {
		t.rules[r.Extension] = r
	}
	return t
}

const defaultSystemPrompt = "Review this code change for bugs, security issues, and violations of idiomatic style."
const defaultContextTemplate = "{{.Context}}\n---\n{{.Content}}"

// Load reads a YAML rule table from path, falling back to Default() if the
// file does not name a "*" row itself (every loaded table still needs a
// guaranteed fallback).
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin table %s: %w", path, err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse plugin table %s: %w", path, err)
	}

	t := &Table{rules: make(map[string]models.PluginRule)}
	for _, row := range ff.Rules {
		t.rules[row.Extension] = models.PluginRule{
			Extension:       row.Extension,
			RuleSet:         row.RuleSet,
			SystemPrompt:    row.SystemPrompt,
			ContextTemplate: row.ContextTemplate,
		}
	}

	if _, ok := t.rules[defaultExtension]; !ok {
		def := Default()
		t.rules[defaultExtension] = def.rules[defaultExtension]
	}

	return t, nil
}

// Lookup returns the rule for path's extension, or the catch-all default
// row if no specific row matches. Always succeeds: PARSE never skips a
// file for lack of a plugin row, only for a parse failure.
func (t *Table) Lookup(path string) models.PluginRule {
	ext := strings.ToLower(filepath.Ext(path))
	if rule, ok := t.rules[ext]; ok {
		return rule
	}
	return t.rules[defaultExtension]
}
