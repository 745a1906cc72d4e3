package sheet

import (
	"fmt"
	"strings"

	"github.com/dhcgn/mailsheet-sync/model"
)

// Field declares one column of the logical row schema.
type Field struct {
	Name     string          `toml:"name" yaml:"name"`
	Type     model.FieldType `toml:"type" yaml:"type"`
	Required bool            `toml:"required" yaml:"required"`
	Key      bool            `toml:"key" yaml:"key"`
	Aliases  []string        `toml:"aliases" yaml:"aliases"`
	Default  string          `toml:"default" yaml:"default"`
}

// ReplaceRule rewrites an exact cell value of a column before typing. Set
// assigns fixed values to other fields of every row the rule matches.
type ReplaceRule struct {
	Column  string            `toml:"column" yaml:"column"`
	Find    string            `toml:"find" yaml:"find"`
	Replace string            `toml:"replace" yaml:"replace"`
	Set     map[string]string `toml:"set" yaml:"set"`
}

// Schema is the fixed logical layout every spreadsheet is mapped onto.
type Schema struct {
	Fields  []Field       `toml:"fields" yaml:"fields"`
	Replace []ReplaceRule `toml:"replace" yaml:"replace"`
}

func DefaultSchema() Schema {
	return Schema{
		Fields: []Field{
			{Name: "identifier", Type: model.FieldString, Required: true, Key: true, Aliases: []string{"id", "identifier", "invoice", "number"}},
			{Name: "quantity", Type: model.FieldNumber, Required: true, Aliases: []string{"quantity", "qty", "amount"}},
			{Name: "status", Type: model.FieldString, Aliases: []string{"status", "state"}},
			{Name: "timestamp", Type: model.FieldDate, Aliases: []string{"timestamp", "date"}},
		},
	}
}

// Validate checks the schema is usable and fills in defaults.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	seen := make(map[string]bool, len(s.Fields))
	keys := 0
	for i := range s.Fields {
		f := &s.Fields[i]
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			return fmt.Errorf("schema field %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema field %q declared twice", f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case "":
			f.Type = model.FieldString
		case model.FieldString, model.FieldNumber, model.FieldDate:
		default:
			return fmt.Errorf("schema field %q has unknown type %q", f.Name, f.Type)
		}
		if len(f.Aliases) == 0 {
			f.Aliases = []string{f.Name}
		}
		if f.Key {
			keys++
		}
	}
	if keys == 0 {
		return fmt.Errorf("schema declares no key field")
	}
	for _, rule := range s.Replace {
		if !seen[rule.Column] {
			return fmt.Errorf("replace rule references unknown field %q", rule.Column)
		}
		for field := range rule.Set {
			if !seen[field] {
				return fmt.Errorf("replace rule for %q sets unknown field %q", rule.Column, field)
			}
		}
	}
	return nil
}

// KeyFields returns the key columns in declaration order.
func (s Schema) KeyFields() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Key {
			out = append(out, f)
		}
	}
	return out
}
