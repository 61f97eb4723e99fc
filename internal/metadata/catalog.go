package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxSnapshots bounds the snapshot history kept in metadata.json.
const maxSnapshots = 1024

// DataFile describes a single sealed bucket file.
type DataFile struct {
	Path        string         `json:"path"`
	Format      string         `json:"format"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	SealedAt    time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot holds the minimal information needed to list files by time.
type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

// TableMetadata is the table-level metadata file.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Catalog keeps Iceberg-style metadata for sealed snapshot buckets so batch
// readers can list files without walking the data tree.
type Catalog struct {
	basePath  string
	tableName string
	tableUUID string

	mu        sync.Mutex
	snapshots []Snapshot
}

// NewCatalog returns a catalog rooted at basePath. Existing metadata is
// reloaded so the table id and history survive restarts.
func NewCatalog(basePath, tableName string) *Catalog {
	c := &Catalog{
		basePath:  basePath,
		tableName: tableName,
		tableUUID: uuid.NewString(),
	}
	if b, err := os.ReadFile(c.metadataPath()); err == nil {
		var tm TableMetadata
		if json.Unmarshal(b, &tm) == nil && tm.TableUUID != "" {
			c.tableUUID = tm.TableUUID
			c.snapshots = tm.Snapshots
		}
	}
	return c
}

func (c *Catalog) metadataPath() string {
	return filepath.Join(c.basePath, "metadata", "metadata.json")
}

// AddFile records a sealed bucket file and rewrites the table metadata.
func (c *Catalog) AddFile(df DataFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapID := df.SealedAt.UnixNano()
	manifestFile := fmt.Sprintf("manifest-%d-%s.json", snapID, uuid.NewString()[:8])
	manifestPath := filepath.Join(c.basePath, "metadata", manifestFile)
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return err
	}
	c.snapshots = append(c.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.SealedAt.UnixMilli(),
		Manifest:    manifestFile,
	})
	if len(c.snapshots) > maxSnapshots {
		c.snapshots = c.snapshots[len(c.snapshots)-maxSnapshots:]
	}
	return c.writeTableMetadata()
}

// Snapshots returns a copy of the recorded history, oldest first.
func (c *Catalog) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, len(c.snapshots))
	copy(out, c.snapshots)
	return out
}

func (c *Catalog) writeTableMetadata() error {
	if len(c.snapshots) == 0 {
		return nil
	}
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         c.tableUUID,
		Location:          c.basePath,
		CurrentSnapshotID: c.snapshots[len(c.snapshots)-1].SnapshotID,
		Snapshots:         c.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.metadataPath(), b, 0o644)
}

// WriteCatalogEntry creates a catalog entry pointing at the table metadata.
func (c *Catalog) WriteCatalogEntry(catalogDir string) error {
	entry := map[string]string{
		"name":              c.tableName,
		"metadata_location": c.metadataPath(),
	}
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(catalogDir, fmt.Sprintf("%s.json", c.tableName))
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
