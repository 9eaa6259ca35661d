package dictionary

import (
	"context"
	"fmt"
	"os"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/storage"
)

// Indexer makes an imported table findable by the retriever
type Indexer interface {
	Index(ctx context.Context, table, description string, metadata map[string]string) error
}

// Importer writes dictionary documents to the metadata repository
type Importer struct {
	repo    storage.Repository
	indexer Indexer
}

// NewImporter creates an importer. indexer may be nil, in which case tables
// are stored but not embedded.
func NewImporter(repo storage.Repository, indexer Indexer) *Importer {
	return &Importer{repo: repo, indexer: indexer}
}

// ImportFile reads, validates and imports one JSON or YAML file
func (i *Importer) ImportFile(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrTypeFileSystem, "failed to read %s", path)
	}

	doc, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := i.Import(ctx, doc, storage.SourceDictionary); err != nil {
		return nil, err
	}

	return doc, nil
}

// Import stores the document's description and replaces its column set
func (i *Importer) Import(ctx context.Context, doc *Document, source string) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	desc, err := doc.Description()
	if err != nil {
		return errors.Wrapf(err, errors.ErrTypeValidation, "failed to convert description of %s", doc.TableName)
	}

	cols, err := doc.Columns()
	if err != nil {
		return errors.Wrap(err, errors.ErrTypeValidation, "invalid column description")
	}

	if err := i.repo.PutTableDescription(ctx, doc.TableName, desc, source); err != nil {
		return fmt.Errorf("failed to store description of %s: %w", doc.TableName, err)
	}

	if err := i.repo.PutColumnMetadata(ctx, doc.TableName, cols); err != nil {
		return fmt.Errorf("failed to store columns of %s: %w", doc.TableName, err)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"table":   doc.TableName,
		"columns": len(cols),
	})

	if i.indexer != nil {
		if err := i.indexer.Index(ctx, doc.TableName, desc, map[string]string{"source": source}); err != nil {
			return fmt.Errorf("failed to index %s: %w", doc.TableName, err)
		}
	}

	logger.Infof("imported data dictionary")

	return nil
}
