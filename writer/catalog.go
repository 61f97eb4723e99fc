package writer

import (
	"l2flow/internal/metadata"
	"l2flow/logger"
)

// CatalogHandler records every sealed bucket in the local table catalog.
func CatalogHandler(cat *metadata.Catalog) SealHandler {
	log := logger.GetLogger()
	return SealHandlerFunc(func(b SealedBucket) {
		t := b.Key.Start.UTC()
		df := metadata.DataFile{
			Path:        b.Path,
			Format:      b.Format,
			FileSize:    b.Size,
			RecordCount: b.Records,
			Partition: map[string]any{
				"exchange":   b.Key.Exchange,
				"instrument": b.Key.InstrumentID,
				"date":       t.Format("2006-01-02"),
				"hour":       t.Hour(),
				"bucket":     b.Key.Stem(),
			},
			SealedAt: b.SealedAt,
		}
		if err := cat.AddFile(df); err != nil {
			log.WithInstrument("snapshot_writer", b.Key.InstrumentID).WithError(err).Warn("failed to update catalog")
		}
	})
}
