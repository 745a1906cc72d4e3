package reference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dhcgn/mailsheet-sync/sheet"
)

func newLoader(t *testing.T) *Loader {
	t.Helper()
	p, err := sheet.NewParser(sheet.DefaultSchema(), "", nil)
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}
	return NewLoader(p, nil, nil)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return p
}

func TestLoad_LocalCSV(t *testing.T) {
	loc := writeFile(t, "master.csv", "id,qty,status\nINV-100,5,open\nINV-101,2,closed\n")

	ds, err := newLoader(t).Load(context.Background(), loc)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ds.Len())
	}
	row, ok := ds.Lookup("INV-100")
	if !ok {
		t.Fatal("expected INV-100 in dataset")
	}
	if row.Fields["quantity"].Number != 5 {
		t.Errorf("quantity = %v, want 5", row.Fields["quantity"].Number)
	}
	if _, ok := ds.Lookup("INV-999"); ok {
		t.Error("unexpected lookup hit")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		location func(t *testing.T) string
		wantErr  error
	}{
		{
			name:     "missing file",
			location: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.xlsx") },
			wantErr:  ErrLoad,
		},
		{
			name:     "empty location",
			location: func(t *testing.T) string { return "  " },
			wantErr:  ErrLoad,
		},
		{
			name:     "unrecognized format",
			location: func(t *testing.T) string { return writeFile(t, "master.bin", "\x00\x01\x02") },
			wantErr:  ErrLoad,
		},
		{
			name:     "missing required column",
			location: func(t *testing.T) string { return writeFile(t, "master.csv", "id,status\nA,open\n") },
			wantErr:  sheet.ErrSchemaValidation,
		},
		{
			name:     "duplicate keys",
			location: func(t *testing.T) string { return writeFile(t, "master.csv", "id,qty\nA,1\nB,2\nA,3\n") },
			wantErr:  ErrDataIntegrity,
		},
		{
			name:     "unkeyed row",
			location: func(t *testing.T) string { return writeFile(t, "master.csv", "id,qty\nA,1\n,2\n") },
			wantErr:  ErrDataIntegrity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLoader(t).Load(context.Background(), tt.location(t))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Load() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_DuplicateKeysAfterNormalization(t *testing.T) {
	schema := sheet.DefaultSchema()
	schema.Fields[0].Type = "number"
	p, err := sheet.NewParser(schema, "", nil)
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}

	loc := writeFile(t, "master.csv", "id,qty\n007,1\n7,2\n")
	_, err = NewLoader(p, nil, nil).Load(context.Background(), loc)
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity for 007/7, got %v", err)
	}
}

func TestLoad_RemoteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/share/master":
			w.Write([]byte("id;qty\nINV-1;4\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ds, err := newLoader(t).Load(context.Background(), srv.URL+"/share/master")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ds.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ds.Len())
	}

	_, err = newLoader(t).Load(context.Background(), srv.URL+"/missing.xlsx")
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad for 404, got %v", err)
	}
}
