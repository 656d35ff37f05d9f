// File: internal/bundle/assembler.go
package bundle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/htmlconv"
	"github.com/xkilldash9x/ctibridge/internal/knowledgegraph"
)

const (
	// DefaultSummaryLimit is the maximum length of a report summary.
	DefaultSummaryLimit = 200
	summarySuffix       = "..."
	pdfMimeType         = "application/pdf"
)

// Downloader fetches the bytes behind an attachment download endpoint.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Document carries the metadata of one source document that ends up on its report.
type Document struct {
	Name               string
	ReportType         string
	Published          time.Time
	TeaserHTML         string
	FullTextHTML       string
	ExternalReferences []schemas.ExternalReference
	FileName           string
	DownloadURL        string
}

// Assembler turns the accumulated graph of one document into a report and its bundle.
type Assembler struct {
	author       schemas.Node
	converter    *htmlconv.Converter
	downloader   Downloader
	summaryLimit int
	log          *zap.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithDownloader enables PDF attachments.
func WithDownloader(d Downloader) Option {
	return func(a *Assembler) { a.downloader = d }
}

// WithSummaryLimit overrides DefaultSummaryLimit.
func WithSummaryLimit(limit int) Option {
	return func(a *Assembler) {
		if limit > 0 {
			a.summaryLimit = limit
		}
	}
}

// NewAssembler creates an assembler whose reports are authored by author.
func NewAssembler(author schemas.Node, logger *zap.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assembler{
		author:       author,
		converter:    htmlconv.NewConverter(),
		summaryLimit: DefaultSummaryLimit,
		log:          logger.Named("BundleAssembler"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewAuthor builds the organization node that authors every object a connector emits.
func NewAuthor(name, description string) (schemas.Node, error) {
	node, err := knowledgegraph.MakeNode(schemas.KindOrganization, name, nil)
	if err != nil {
		return schemas.Node{}, fmt.Errorf("failed to build author identity: %w", err)
	}
	if description != "" {
		node.Description = description
	}
	return node, nil
}

// Author returns the author node.
func (a *Assembler) Author() schemas.Node { return a.author }

// Assemble builds the bundle for one document. A graph without members yields
// a nil bundle and no error: documents with nothing mapped are skipped.
func (a *Assembler) Assemble(ctx context.Context, doc Document, graph *knowledgegraph.DocumentGraph) (*schemas.Bundle, error) {
	if graph == nil || graph.Len() == 0 {
		return nil, nil
	}

	summary, content := a.summarize(doc)
	report := schemas.Report{
		ID:          knowledgegraph.ReportID(doc.Name, doc.Published),
		Name:        doc.Name,
		Summary:     summary,
		Content:     content,
		ReportTypes: []string{doc.ReportType},
		Published:   doc.Published,
		ObjectRefs:  graph.IDs(),
		Attributes: schemas.Properties{
			"created_by_ref":      a.author.ID,
			"object_marking_refs": []string{schemas.TLPGreenMarkingID},
		},
	}
	if len(doc.ExternalReferences) > 0 {
		report.Attributes["external_references"] = doc.ExternalReferences
	}

	file, err := a.attachment(ctx, doc)
	if err != nil {
		return nil, err
	}
	if file != nil {
		report.Files = []schemas.FileAttachment{*file}
	}

	objects := make([]schemas.Object, 0, graph.Len()+2)
	objects = append(objects, a.author)
	objects = append(objects, graph.Objects()...)
	objects = append(objects, report)
	return schemas.NewBundle(objects...), nil
}

// FromSTIX wraps already-corrected provider objects, preceded by the author, into one bundle.
// An empty list yields nil.
func (a *Assembler) FromSTIX(objs []schemas.STIXObject) *schemas.Bundle {
	if len(objs) == 0 {
		return nil
	}
	objects := make([]schemas.Object, 0, len(objs)+1)
	objects = append(objects, a.author)
	for _, o := range objs {
		objects = append(objects, o)
	}
	return schemas.NewBundle(objects...)
}

// summarize picks full text over the teaser and returns the truncated
// markdown summary together with the full HTML content.
func (a *Assembler) summarize(doc Document) (string, string) {
	source := doc.TeaserHTML
	if strings.TrimSpace(doc.FullTextHTML) != "" {
		source = doc.FullTextHTML
	}
	if source == "" {
		return "", ""
	}

	markdown, err := a.converter.ToMarkdown(source)
	if err != nil {
		a.log.Warn("Markdown conversion failed, using plain text summary",
			zap.String("report", doc.Name), zap.Error(err))
		markdown = htmlconv.PlainText(source)
	}
	return SmartTruncate(markdown, a.summaryLimit, summarySuffix), source
}

// attachment downloads the document file when it is a PDF with a download
// endpoint. Download failures drop the attachment; only cancellation aborts.
func (a *Assembler) attachment(ctx context.Context, doc Document) (*schemas.FileAttachment, error) {
	if !IsAttachable(doc.FileName, doc.DownloadURL) || a.downloader == nil {
		return nil, nil
	}
	data, err := a.downloader.Download(ctx, doc.DownloadURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		a.log.Warn("Attachment download failed, continuing without file",
			zap.String("report", doc.Name),
			zap.String("file", doc.FileName),
			zap.Error(err))
		return nil, nil
	}
	return &schemas.FileAttachment{
		Name:     doc.FileName,
		MimeType: pdfMimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// IsAttachable reports whether a document file is attached to its report.
func IsAttachable(fileName, downloadURL string) bool {
	return fileName != "" && downloadURL != "" && strings.EqualFold(path.Ext(fileName), ".pdf")
}
