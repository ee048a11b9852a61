// Package report renders and parses the per-batch summary CSV.
//
// One header row, then one row per item ordered by serial number:
//
//	Serial Number,Product Name,Input Image Urls,Output Image Urls
//	1,Shoe,"https://a/1.jpg, https://a/2.jpg","https://o/1.jpg, https://o/2.jpg"
//	2,Hat,"https://a/3.jpg","Pending"
//
// URL lists are joined with ", " and always quoted. Items without outputs
// render the placeholder Pending.
package report

import (
	"bytes"
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/teranos/imgbatch/errors"
)

// Pending stands in for the outputs of an unresolved or failed item
const Pending = "Pending"

// Header is the first row of every report
var Header = []string{"Serial Number", "Product Name", "Input Image Urls", "Output Image Urls"}

const listSeparator = ", "

// Row is one item as it appears in the report
type Row struct {
	SerialNumber int
	ProductName  string
	Inputs       []string
	Outputs      []string // empty renders as Pending
}

// Generate renders rows, sorted by serial number
func Generate(rows []Row) []byte {
	var buf bytes.Buffer
	// bytes.Buffer writes never fail
	_ = Write(&buf, rows)
	return buf.Bytes()
}

// Write renders rows to w, sorted by serial number
func Write(w io.Writer, rows []Row) error {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SerialNumber < sorted[j].SerialNumber
	})

	var b strings.Builder
	b.WriteString(strings.Join(Header, ","))
	for _, row := range sorted {
		outputs := Pending
		if len(row.Outputs) > 0 {
			outputs = strings.Join(row.Outputs, listSeparator)
		}
		b.WriteByte('\n')
		b.WriteString(strconv.Itoa(row.SerialNumber))
		b.WriteByte(',')
		b.WriteString(quoteIfNeeded(row.ProductName))
		b.WriteByte(',')
		b.WriteString(quote(strings.Join(row.Inputs, listSeparator)))
		b.WriteByte(',')
		b.WriteString(quote(outputs))
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(w, b.String()); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	return nil
}

// quote wraps s in quotes, doubling embedded quotes
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, ",\"\r\n") || s[0] == ' ' || s[0] == '\t' {
		return quote(s)
	}
	return s
}

// Parse reads a report back into rows. Pending becomes no outputs.
func Parse(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Header)

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("report is empty")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read report header")
	}
	if strings.Join(header, ",") != strings.Join(Header, ",") {
		return nil, errors.Newf("unexpected report header %q", strings.Join(header, ","))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read report row")
		}

		serial, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid serial number %q", record[0])
		}

		row := Row{
			SerialNumber: serial,
			ProductName:  record[1],
			Inputs:       splitList(record[2]),
		}
		if strings.TrimSpace(record[3]) != Pending {
			row.Outputs = splitList(record[3])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// splitList undoes the join in Write. Commas inside a URL survive.
func splitList(field string) []string {
	var out []string
	for _, part := range strings.Split(field, listSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
