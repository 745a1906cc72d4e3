package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mailsheet-sync/model"
)

var (
	ErrParse            = errors.New("parse error")
	ErrSchemaValidation = errors.New("schema validation error")
)

// Format identifies a supported spreadsheet encoding.
type Format string

const (
	FormatUnknown Format = ""
	FormatXLSX    Format = "xlsx"
	FormatCSV     Format = "csv"
)

var zipMagic = []byte("PK\x03\x04")

// FormatFor maps a filename or MIME type onto a supported format.
func FormatFor(name, contentType string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".csv":
		return FormatCSV
	}
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel.sheet.macroenabled.12":
		return FormatXLSX
	case "text/csv":
		return FormatCSV
	}
	return FormatUnknown
}

// IsLegacyExcel reports whether a part is a binary BIFF workbook. Only the
// OOXML container is readable, so these are skipped rather than parsed.
func IsLegacyExcel(name, contentType string) bool {
	if strings.EqualFold(filepath.Ext(name), ".xls") {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(contentType), "application/vnd.ms-excel")
}

// Sniff guesses the format from the payload itself.
func Sniff(data []byte) Format {
	if bytes.HasPrefix(data, zipMagic) {
		return FormatXLSX
	}
	if len(data) > 0 && bytes.IndexByte(data, 0) < 0 {
		return FormatCSV
	}
	return FormatUnknown
}

// Result is the outcome of parsing one spreadsheet.
type Result struct {
	Rows []model.Row
	// Coerced counts optional cells dropped because they could not be typed.
	Coerced int
	// RulesApplied counts replace rules that matched at least one row.
	RulesApplied int
}

// Parser maps spreadsheet bytes onto the logical schema.
type Parser struct {
	schema    Schema
	sheetName string
	logger    *slog.Logger
}

// NewParser validates the schema and returns a parser. An empty sheetName
// selects the first worksheet.
func NewParser(schema Schema, sheetName string, logger *slog.Logger) (*Parser, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Parser{schema: schema, sheetName: sheetName, logger: logger}, nil
}

func (p *Parser) Schema() Schema {
	return p.schema
}

// Parse reads the first table of the spreadsheet and normalizes every data
// row. Any error wraps ErrParse or ErrSchemaValidation.
func (p *Parser) Parse(name string, data []byte) (Result, error) {
	format := FormatFor(name, "")
	if format == FormatUnknown {
		format = Sniff(data)
	}

	var (
		table [][]string
		err   error
	)
	switch format {
	case FormatXLSX:
		table, err = p.readWorkbook(data)
	case FormatCSV:
		table, err = readCSV(data)
	default:
		err = fmt.Errorf("%w: unsupported format", ErrParse)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}

	return p.normalize(name, table)
}

func (p *Parser) readWorkbook(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrParse, err)
	}
	defer f.Close()

	sheet := p.sheetName
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("%w: workbook has no sheets", ErrParse)
		}
		sheet = sheets[0]
	} else if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: sheet %q not found", ErrParse, sheet)
	}

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrParse, sheet, err)
	}
	return rows, nil
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = detectDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		rows = append(rows, record)
	}
}

func detectDelimiter(data []byte) rune {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func (p *Parser) normalize(name string, table [][]string) (Result, error) {
	headerIdx := -1
	for i, row := range table {
		if !blankRow(row) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return Result{}, fmt.Errorf("%s: %w: no header row", name, ErrParse)
	}

	columns, err := p.mapColumns(table[headerIdx])
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}

	var res Result
	applied := make(map[int]bool)
	for i := headerIdx + 1; i < len(table); i++ {
		cells := table[i]
		if blankRow(cells) {
			continue
		}
		line := i + 1

		// Fields whose column is missing and that carry no default stay out
		// of the row, so reconciliation keeps whatever value it already has.
		texts := make(map[string]string, len(p.schema.Fields))
		for _, f := range p.schema.Fields {
			col, ok := columns[f.Name]
			if !ok && f.Default == "" {
				continue
			}
			text := f.Default
			if ok && col < len(cells) {
				if cleaned := CleanText(cells[col]); cleaned != "" {
					text = cleaned
				}
			}
			texts[f.Name] = text
		}
		p.applyReplace(texts, applied)

		fields := make(map[string]model.Value, len(p.schema.Fields))
		for _, f := range p.schema.Fields {
			text, ok := texts[f.Name]
			if !ok {
				continue
			}
			v, err := normalizeValue(f, text)
			if err != nil {
				if f.Required {
					return Result{}, fmt.Errorf("%s: %w: row %d column %q: %v", name, ErrSchemaValidation, line, f.Name, err)
				}
				res.Coerced++
				if p.logger != nil {
					p.logger.Debug("dropping unparseable optional value", "attachment", name, "row", line, "field", f.Name, "err", err)
				}
				v = model.Value{Type: f.Type}
			}
			if v.Empty() && f.Required && !f.Key {
				return Result{}, fmt.Errorf("%s: %w: row %d column %q is empty", name, ErrSchemaValidation, line, f.Name)
			}
			fields[f.Name] = v
		}

		res.Rows = append(res.Rows, model.Row{
			Key:      DeriveKey(p.schema, fields),
			Fields:   fields,
			Position: line,
		})
	}
	res.RulesApplied = len(applied)
	if res.RulesApplied > 0 && p.logger != nil {
		p.logger.Debug("replace rules applied", "attachment", name, "rules", res.RulesApplied)
	}
	return res, nil
}

// mapColumns resolves each schema field to a header column index.
func (p *Parser) mapColumns(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		norm := normalizeHeader(h)
		if norm == "" {
			continue
		}
		if _, dup := index[norm]; !dup {
			index[norm] = i
		}
	}

	columns := make(map[string]int, len(p.schema.Fields))
	var missing []string
	for _, f := range p.schema.Fields {
		found := false
		for _, alias := range f.Aliases {
			if col, ok := index[normalizeHeader(alias)]; ok {
				columns[f.Name] = col
				found = true
				break
			}
		}
		if !found && f.Required && f.Default == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns %s", ErrSchemaValidation, strings.Join(missing, ", "))
	}
	return columns, nil
}

// applyReplace runs the replace rules in declaration order over one row.
// A matching rule rewrites its column and assigns its Set values to other
// fields of the same row. applied collects the indexes of matching rules.
func (p *Parser) applyReplace(texts map[string]string, applied map[int]bool) {
	for i, rule := range p.schema.Replace {
		if text, ok := texts[rule.Column]; !ok || text != rule.Find {
			continue
		}
		texts[rule.Column] = rule.Replace
		for field, value := range rule.Set {
			texts[field] = value
		}
		applied[i] = true
	}
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(CleanText(h)), " "))
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if CleanText(c) != "" {
			return false
		}
	}
	return true
}
