package main

import (
	"unicode/utf8"

	"github.com/opengs/formdecode"
)

// Values longer than this are reported by size only.
const maxValueSize = 4096

type partSummary struct {
	Name        string `json:"name" yaml:"name"`
	FileName    string `json:"fileName,omitempty" yaml:"fileName,omitempty"`
	ContentType string `json:"contentType" yaml:"contentType"`
	Size        int64  `json:"size" yaml:"size"`
	Spooled     bool   `json:"spooled" yaml:"spooled"`
	Value       string `json:"value,omitempty" yaml:"value,omitempty"`
	SavedAs     string `json:"savedAs,omitempty" yaml:"savedAs,omitempty"`
}

type fieldSummary struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

type summary struct {
	MediaType string         `json:"mediaType" yaml:"mediaType"`
	Charset   string         `json:"charset,omitempty" yaml:"charset,omitempty"`
	Parts     []partSummary  `json:"parts,omitempty" yaml:"parts,omitempty"`
	Fields    []fieldSummary `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// summarize describes a decoded body. Values of plain parts are included
// when they are small and valid text.
func summarize(result *formdecode.Result) (summary, error) {
	s := summary{MediaType: result.MediaType}

	if result.Fields != nil {
		s.Charset = result.Fields.Charset()
		for name, value := range result.Fields.Seq() {
			s.Fields = append(s.Fields, fieldSummary{Name: name, Value: value})
		}
		return s, nil
	}

	s.Charset = result.Parts.Charset()
	for _, part := range result.Parts.Seq() {
		ps := partSummary{
			Name:        part.Name(),
			FileName:    part.FileName(),
			ContentType: part.ContentType(),
			Size:        part.Size(),
			Spooled:     part.Spooled(),
		}
		if part.FileName() == "" && part.Size() <= maxValueSize {
			value, err := part.Text()
			if err != nil {
				return summary{}, err
			}
			if utf8.ValidString(value) {
				ps.Value = value
			}
		}
		s.Parts = append(s.Parts, ps)
	}
	return s, nil
}
