package sheet

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mailsheet-sync/model"
)

const keySeparator = "|"

var (
	errNotNumeric = errors.New("not a number")
	errNotDate    = errors.New("not a date")
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02.01.2006",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
}

var spaceReplacer = strings.NewReplacer("\u00a0", " ", "\u202f", " ", "\ufeff", "")

// CleanText trims surrounding whitespace, including non-breaking spaces.
func CleanText(raw string) string {
	return strings.TrimSpace(spaceReplacer.Replace(raw))
}

// NormalizeNumber returns the shortest decimal form of raw, so "007",
// "7.0" and "7" all become "7". When both separators appear the last one
// is the decimal point ("1.234,56" and "1,234.56" are both 1234.56). A
// lone comma or dot is a decimal point; a repeated one groups thousands
// and every group after the first must have three digits.
func NormalizeNumber(raw string) (float64, string, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\'', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, raw)
	if s == "" {
		return 0, "", errNotNumeric
	}
	s, ok := canonicalSeparators(s)
	if !ok {
		return 0, "", fmt.Errorf("%q: %w", raw, errNotNumeric)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "", fmt.Errorf("%q: %w", raw, errNotNumeric)
	}
	if f == 0 {
		f = 0 // drop negative zero
	}
	return f, strconv.FormatFloat(f, 'f', -1, 64), nil
}

// canonicalSeparators rewrites s so that '.' is the only separator left
// and marks the decimal point.
func canonicalSeparators(s string) (string, bool) {
	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')

	switch {
	case lastComma >= 0 && lastDot >= 0:
		dec, group := ".", ","
		at := lastDot
		if lastComma > lastDot {
			dec, group, at = ",", ".", lastComma
		}
		intPart, frac := s[:at], s[at+1:]
		if strings.Contains(intPart, dec) {
			return "", false
		}
		intPart, ok := ungroup(intPart, group)
		if !ok {
			return "", false
		}
		return intPart + "." + frac, true
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 {
			return strings.Replace(s, ",", ".", 1), true
		}
		return ungroup(s, ",")
	case lastDot >= 0:
		if strings.Count(s, ".") == 1 {
			return s, true
		}
		return ungroup(s, ".")
	}
	return s, true
}

func ungroup(s, sep string) (string, bool) {
	parts := strings.Split(s, sep)
	if len(parts) == 1 {
		return s, true
	}
	lead := strings.TrimLeft(parts[0], "+-")
	if lead == "" || len(lead) > 3 {
		return "", false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return "", false
		}
	}
	return strings.Join(parts, ""), true
}

// NormalizeDate parses the date formats seen in practice plus spreadsheet
// serial numbers and returns the canonical form.
func NormalizeDate(raw string) (time.Time, string, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, canonicalDate(t), nil
		}
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial >= 1 && serial < 2958466 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			t = t.Round(time.Second)
			return t, canonicalDate(t), nil
		}
	}
	return time.Time{}, "", fmt.Errorf("%q: %w", raw, errNotDate)
}

func canonicalDate(t time.Time) string {
	h, m, s := t.Clock()
	if h == 0 && m == 0 && s == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// normalizeValue converts cleaned cell text to a typed value.
func normalizeValue(field Field, text string) (model.Value, error) {
	v := model.Value{Type: field.Type}
	if text == "" {
		return v, nil
	}
	switch field.Type {
	case model.FieldNumber:
		n, canonical, err := NormalizeNumber(text)
		if err != nil {
			return v, err
		}
		v.Number, v.Text = n, canonical
	case model.FieldDate:
		_, canonical, err := NormalizeDate(text)
		if err != nil {
			return v, err
		}
		v.Text = canonical
	default:
		v.Text = text
	}
	return v, nil
}

// DeriveKey joins the canonical key field values. It returns "" when any
// key field is empty.
func DeriveKey(schema Schema, fields map[string]model.Value) string {
	keyFields := schema.KeyFields()
	parts := make([]string, 0, len(keyFields))
	for _, f := range keyFields {
		v := fields[f.Name]
		if v.Empty() {
			return ""
		}
		parts = append(parts, v.Text)
	}
	return strings.Join(parts, keySeparator)
}
