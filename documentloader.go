package examprep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/ledongthuc/pdf"
)

// DocumentStore yields raw exam documents keyed by exam identifier.
type DocumentStore interface {
	Open(ctx context.Context, examID string) (io.ReadCloser, string, error)
}

// DirDocumentStore serves <dir>/<examID>.pdf, falling back to <examID>.txt.
type DirDocumentStore struct {
	Dir string
}

func (s DirDocumentStore) Open(ctx context.Context, examID string) (io.ReadCloser, string, error) {
	for _, ext := range []string{".pdf", ".txt"} {
		name := filepath.Join(s.Dir, examID+ext)
		f, err := os.Open(name)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("failed to open document: %w", err)
		}
	}
	return nil, "", fmt.Errorf("%w: document for exam %s in %s", ErrNotFound, examID, s.Dir)
}

// GCSDocumentStore serves gs://<Bucket>/<Prefix>/<examID>.pdf.
type GCSDocumentStore struct {
	Client  *storage.Client
	Bucket  string
	Prefix  string
	Timeout time.Duration
}

// NewGCSDocumentStore parses a gs://bucket/prefix URL.
func NewGCSDocumentStore(client *storage.Client, url string) (*GCSDocumentStore, error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok || rest == "" {
		return nil, fmt.Errorf("%w: not a gs:// url: %q", ErrInvalidConfig, url)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	return &GCSDocumentStore{Client: client, Bucket: bucket, Prefix: strings.Trim(prefix, "/"), Timeout: 2 * time.Minute}, nil
}

func (s *GCSDocumentStore) Open(ctx context.Context, examID string) (io.ReadCloser, string, error) {
	key := path.Join(s.Prefix, examID+".pdf")
	ctx2, cancel := context.WithTimeout(ctx, s.Timeout)
	r, err := s.Client.Bucket(s.Bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", fmt.Errorf("%w: gs://%s/%s", ErrNotFound, s.Bucket, key)
		}
		return nil, "", fmt.Errorf("failed to open GCS reader: %w", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, "gs://" + s.Bucket + "/" + key, nil
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

// LoadDocument reads the exam's raw document and extracts its text page by page.
func LoadDocument(ctx context.Context, store DocumentStore, exam ExamID) (*SourceDocument, error) {
	rc, name, err := store.Open(ctx, exam.String())
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", name, err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		// Plain text exports are one page.
		return NewSourceDocument(exam, []string{string(data)}), nil
	}
	pages, err := pdfPages(data)
	if err != nil {
		return nil, fmt.Errorf("failed to extract text from %s: %w", name, err)
	}
	return NewSourceDocument(exam, pages), nil
}

func pdfPages(data []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}
	n := reader.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, strings.TrimRight(text, "\n"))
	}
	return pages, nil
}
