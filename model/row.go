package model

import (
	"encoding/json"
	"maps"
)

// FieldType is the declared type of a schema column.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
)

// Value is a normalized cell. Text holds the canonical representation used
// for comparison and key derivation; Number is only meaningful for numbers.
type Value struct {
	Type   FieldType
	Text   string
	Number float64
}

func (v Value) Empty() bool {
	return v.Text == ""
}

func (v Value) Equal(other Value) bool {
	return v.Type == other.Type && v.Text == other.Text
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Empty() {
		return []byte("null"), nil
	}
	if v.Type == FieldNumber {
		return json.Marshal(v.Number)
	}
	return json.Marshal(v.Text)
}

// Row is one normalized record of the fixed logical schema.
type Row struct {
	Key      string
	Fields   map[string]Value
	Position int
	Source   ItemKey
	// Order is the ingestion sequence of the attachment the row came from.
	Order int
}

// SameValues reports whether both rows carry identical normalized fields.
func (r Row) SameValues(other Row) bool {
	return maps.EqualFunc(r.Fields, other.Fields, Value.Equal)
}

// Clone returns a copy whose field map can be mutated independently.
func (r Row) Clone() Row {
	r.Fields = maps.Clone(r.Fields)
	return r
}
