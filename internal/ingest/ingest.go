// Package ingest turns an uploaded CSV or XLSX payload into the ordered list
// of reviews found in its "Review" column.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/TobiSchelling/sentiscore/internal/sentiment"
)

// ReviewColumn is the header that must be present.
const ReviewColumn = "Review"

// Supported extensions, lowercase and without the dot.
const (
	ExtCSV  = "csv"
	ExtXLSX = "xlsx"
)

// Validation messages returned to clients.
const (
	MsgInvalidFormat = "invalid file format. Allowed formats: csv, xlsx"
	MsgMissingColumn = "missing Review column"
	MsgNoReviews     = "no reviews found in Review field"
)

var errNoColumns = errors.New("no columns to parse from file")

// Extension returns the lowercase extension of filename without the dot.
func Extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// Allowed reports whether ext (with or without a leading dot) is supported.
func Allowed(ext string) bool {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case ExtCSV, ExtXLSX:
		return true
	}
	return false
}

// Parse reads the table in r and returns the non-empty values of the Review
// column in row order. Every failure is a *sentiment.ValidationError.
func Parse(r io.Reader, ext string) ([]string, error) {
	if !Allowed(ext) {
		return nil, sentiment.Invalid(MsgInvalidFormat)
	}

	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case ExtCSV:
		rows, err = readCSV(r)
	default:
		rows, err = readXLSX(r)
	}
	if err != nil {
		return nil, sentiment.Invalid(fmt.Sprintf("failed to read the file: %v", err))
	}

	return reviewsFromRows(rows)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errNoColumns
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func reviewsFromRows(rows [][]string) ([]string, error) {
	if len(rows) == 0 {
		return nil, sentiment.Invalid(MsgMissingColumn)
	}

	col := -1
	for i, name := range rows[0] {
		if name == ReviewColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, sentiment.Invalid(MsgMissingColumn)
	}

	var reviews []string
	for _, row := range rows[1:] {
		if col >= len(row) {
			continue
		}
		if strings.TrimSpace(row[col]) == "" {
			continue
		}
		reviews = append(reviews, row[col])
	}
	if len(reviews) == 0 {
		return nil, sentiment.Invalid(MsgNoReviews)
	}
	return reviews, nil
}
