// File: internal/providers/silobreaker/models.go
package silobreaker

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/bundle"
	"github.com/xkilldash9x/ctibridge/internal/mapper"
)

// Document types that produce a report. Everything else in a result set is ignored.
const (
	TypeReport      = "Report"
	TypeNews        = "News"
	TypeUserArticle = "User Article"
	TypeBlog        = "Blog"
)

var reportableTypes = map[string]bool{
	TypeReport:      true,
	TypeNews:        true,
	TypeUserArticle: true,
	TypeBlog:        true,
}

// ListRecord is the response of the list lookup. Description carries the
// search expression of the list.
type ListRecord struct {
	Description string `json:"Description"`
}

// SearchResult is one page of a document search.
type SearchResult struct {
	Items       []Document `json:"Items"`
	ResultCount int        `json:"ResultCount"`
	TotalCount  int        `json:"TotalCount"`
}

// Document is one search hit.
type Document struct {
	Type            string `json:"Type"`
	Description     string `json:"Description"`
	PublicationDate string `json:"PublicationDate"`
	SilobreakerURL  string `json:"SilobreakerUrl"`
	SourceURL       string `json:"SourceUrl"`
	Publisher       string `json:"Publisher"`
	FileName        string `json:"FileName"`
	DownloadURL     string `json:"DownloadUrl"`
	Extras          Extras `json:"Extras"`
}

// Extras holds the optional expansions requested with a search.
type Extras struct {
	RelatedEntities struct {
		Items []mapper.RelatedEntity `json:"Items"`
	} `json:"RelatedEntities"`
	DocumentTeasers struct {
		HTMLSnippet string `json:"HtmlSnippet"`
	} `json:"DocumentTeasers"`
	DocumentFullText struct {
		HTMLFullText string `json:"HtmlFullText"`
	} `json:"DocumentFullText"`
}

type enrichmentResponse struct {
	Modules []struct {
		Risk *struct {
			RiskScore *float64 `json:"riskScore"`
		} `json:"risk"`
	} `json:"modules"`
}

// Reportable reports whether the document type produces a bundle.
func (d Document) Reportable() bool {
	return reportableTypes[d.Type]
}

// Validate checks the keys every mapped document must carry.
func (d Document) Validate() error {
	record := d.Description
	if record == "" {
		record = d.SilobreakerURL
	}
	for _, f := range []struct{ name, value string }{
		{"Type", d.Type},
		{"Description", d.Description},
		{"PublicationDate", d.PublicationDate},
		{"SilobreakerUrl", d.SilobreakerURL},
	} {
		if err := mapper.Require(record, f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

// Published parses PublicationDate.
func (d Document) Published() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, d.PublicationDate); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable publication date %q", d.PublicationDate)
}

// References returns the Silobreaker page followed by the original source when known.
func (d Document) References() []schemas.ExternalReference {
	refs := []schemas.ExternalReference{{SourceName: "Silobreaker", URL: d.SilobreakerURL}}
	if d.SourceURL != "" {
		name := d.Publisher
		if name == "" {
			name = d.SourceURL
		}
		refs = append(refs, schemas.ExternalReference{SourceName: name, URL: d.SourceURL})
	}
	return refs
}

// source is the input of the entity mapper.
func (d Document) source(published time.Time, authorID string) mapper.SourceDocument {
	return mapper.SourceDocument{
		Entities:           d.Extras.RelatedEntities.Items,
		Published:          published,
		AuthorID:           authorID,
		ExternalReferences: d.References(),
	}
}

// report is the input of the bundle assembler.
func (d Document) report(published time.Time) bundle.Document {
	return bundle.Document{
		Name:               d.Description,
		ReportType:         d.Type,
		Published:          published,
		TeaserHTML:         d.Extras.DocumentTeasers.HTMLSnippet,
		FullTextHTML:       d.Extras.DocumentFullText.HTMLFullText,
		ExternalReferences: d.References(),
		FileName:           d.FileName,
		DownloadURL:        d.DownloadURL,
	}
}
