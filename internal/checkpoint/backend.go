package checkpoint

// Store defines the interface for run document persistence.
// FileStore is the production implementation; one document per run_id.
type Store interface {
	// Document access
	Save(doc *Document) error
	Load(runID string) (*Document, error)

	// Housekeeping
	List(limit int) ([]Summary, error)
	Delete(runID string) error

	// Lifecycle
	Close() error
}

// Ensure FileStore implements Store
var _ Store = (*FileStore)(nil)
