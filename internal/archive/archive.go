// Package archive keeps fetched filings on disk so reruns and debugging can
// read the raw documents without another EDGAR round trip.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/filingsight/ingest-back/internal/domain"
)

// DirArchive writes one file per filing into a flat directory. File names
// are deterministic, so archiving the same filing twice overwrites in place.
type DirArchive struct {
	dir string
}

func NewDirArchive(dir string) (*DirArchive, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("archive dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &DirArchive{dir: dir}, nil
}

func (a *DirArchive) Store(_ context.Context, filing domain.RawFiling) error {
	name := FileName(filing)
	if err := os.WriteFile(filepath.Join(a.dir, name), filing.Text, 0o644); err != nil {
		return fmt.Errorf("write filing %s: %w", name, err)
	}
	return nil
}

// FileName is TICKER_10K_year_accession.htm with dashes stripped from the
// accession number.
func FileName(filing domain.RawFiling) string {
	accession := strings.ReplaceAll(filing.AccessionNumber, "-", "")
	return fmt.Sprintf("%s_10K_%d_%s.htm",
		strings.ToUpper(filing.Company.Ticker), filing.Year, accession)
}
