package batch

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/teranos/imgbatch/errors"
)

// ParseManifest reads a CSV batch description:
//
//	Serial Number,Product Name,Input Image Urls
//	1,Shoe,"https://a/1.jpg,https://a/2.jpg"
//	2,Hat,https://a/3.jpg,https://a/4.jpg
//
// The first row is a header. URLs may share one quoted cell or spill over the
// remaining columns. Rows without a numeric serial, a name or a URL are
// dropped. Only CSV syntax and read errors are returned.
func ParseManifest(r io.Reader) ([]Descriptor, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read manifest header")
	}

	var descriptors []Descriptor
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read manifest row")
		}
		if d, ok := manifestRow(record); ok {
			descriptors = append(descriptors, d)
		}
	}
	return descriptors, nil
}

func manifestRow(record []string) (Descriptor, bool) {
	if len(record) < 3 {
		return Descriptor{}, false
	}
	if _, err := strconv.Atoi(strings.TrimSpace(record[0])); err != nil {
		return Descriptor{}, false
	}

	d := Descriptor{Label: strings.TrimSpace(record[1])}
	for _, cell := range record[2:] {
		for _, url := range strings.Split(cell, ",") {
			if url = strings.TrimSpace(url); url != "" {
				d.Inputs = append(d.Inputs, url)
			}
		}
	}
	return d.normalize()
}
