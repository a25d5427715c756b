package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
)

// Exporter delivers a document somewhere.
type Exporter interface {
	Export(ctx context.Context, doc *Document) error
}

// Marshal encodes doc as indented JSON.
func Marshal(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrExport, err)
	}
	return append(data, '\n'), nil
}

// FileExporter writes the document to a JSON file, replacing any previous one.
type FileExporter struct {
	Path string
}

// Export implements Exporter.
func (e FileExporter) Export(_ context.Context, doc *Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(e.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %w", ErrExport, err)
		}
	}
	tmp := e.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrExport, e.Path, err)
	}
	if err := os.Rename(tmp, e.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %w", ErrExport, e.Path, err)
	}
	return nil
}

// WriterExporter writes the document to w.
type WriterExporter struct {
	W io.Writer
}

// Export implements Exporter.
func (e WriterExporter) Export(_ context.Context, doc *Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := e.W.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	return nil
}

// NATSExporter publishes the document on a NATS subject.
type NATSExporter struct {
	conn    *nats.Conn
	subject string
}

// NewNATSExporter connects to the server at url.
func NewNATSExporter(url, subject string) (*NATSExporter, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: nats subject is required", ErrExport)
	}
	conn, err := nats.Connect(url,
		nats.Name("mailagent"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(2),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrExport, url, err)
	}
	return &NATSExporter{conn: conn, subject: subject}, nil
}

// Export implements Exporter. It returns once the server has the message.
func (e *NATSExporter) Export(ctx context.Context, doc *Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(e.subject)
	msg.Header.Set("Run-Id", doc.RunID)
	msg.Header.Set("Run-Status", doc.Status)
	msg.Data = data
	if err := e.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrExport, e.subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := e.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrExport, err)
	}
	return nil
}

// Close drains the connection.
func (e *NATSExporter) Close() error {
	return e.conn.Drain()
}

// Multi fans a document out to every exporter. All are attempted; their
// errors are joined.
type Multi []Exporter

// Export implements Exporter.
func (m Multi) Export(ctx context.Context, doc *Document) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
