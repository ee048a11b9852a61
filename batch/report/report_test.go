package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFormat(t *testing.T) {
	rows := []Row{
		{SerialNumber: 2, ProductName: "Hat", Inputs: []string{"https://a/3.jpg"}},
		{
			SerialNumber: 1,
			ProductName:  "Shoe",
			Inputs:       []string{"https://a/1.jpg", "https://a/2.jpg"},
			Outputs:      []string{"https://o/1.jpg", "https://o/2.jpg"},
		},
	}

	want := "Serial Number,Product Name,Input Image Urls,Output Image Urls\n" +
		`1,Shoe,"https://a/1.jpg, https://a/2.jpg","https://o/1.jpg, https://o/2.jpg"` + "\n" +
		`2,Hat,"https://a/3.jpg","Pending"` + "\n"

	assert.Equal(t, want, string(Generate(rows)))
}

func TestGenerateHeaderOnly(t *testing.T) {
	assert.Equal(t, "Serial Number,Product Name,Input Image Urls,Output Image Urls\n", string(Generate(nil)))
}

func TestGenerateQuotesAwkwardLabels(t *testing.T) {
	out := string(Generate([]Row{
		{SerialNumber: 1, ProductName: `Shoe, "Deluxe"`, Inputs: []string{"https://a/1.jpg"}},
	}))
	assert.Contains(t, out, `1,"Shoe, ""Deluxe""","https://a/1.jpg","Pending"`)
}

func TestRoundTrip(t *testing.T) {
	rows := []Row{
		{SerialNumber: 1, ProductName: "Shoe", Inputs: []string{"https://a/1.jpg", "https://a/2.jpg"}, Outputs: []string{"https://o/1.jpg", "https://o/2.jpg"}},
		{SerialNumber: 2, ProductName: `Scarf, "wool"`, Inputs: []string{"https://a/3.jpg"}},
		{SerialNumber: 3, ProductName: "Sock", Inputs: []string{"https://a/4.jpg"}, Outputs: []string{"https://o/4.jpg"}},
	}

	parsed, err := Parse(bytes.NewReader(Generate(rows)))
	require.NoError(t, err)
	assert.Equal(t, rows, parsed)
}

func TestRoundTripKeepsCommasInsideURLs(t *testing.T) {
	rows := []Row{
		{
			SerialNumber: 1,
			ProductName:  "Poster",
			Inputs:       []string{"https://res.cloudinary.com/x/image/upload/w_100,h_100/a.jpg", "https://img.example/b.jpg?crop=0,0,50,50"},
			Outputs:      []string{"https://o/a.jpg,v2"},
		},
	}

	parsed, err := Parse(bytes.NewReader(Generate(rows)))
	require.NoError(t, err)
	assert.Equal(t, rows, parsed)
}

func TestParseRejectsForeignHeader(t *testing.T) {
	_, err := Parse(strings.NewReader("id,name,inputs,outputs\n1,a,b,c\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected report header")
}

func TestParseRejectsEmptyInput(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
}

func TestParseRejectsBadSerial(t *testing.T) {
	in := "Serial Number,Product Name,Input Image Urls,Output Image Urls\nx,Shoe,\"a\",\"Pending\"\n"
	_, err := Parse(strings.NewReader(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid serial number")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteSurfacesWriterErrors(t *testing.T) {
	err := Write(failingWriter{}, []Row{{SerialNumber: 1, ProductName: "a", Inputs: []string{"b"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
