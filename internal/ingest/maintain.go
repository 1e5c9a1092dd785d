package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ppirong/townly-sub003/internal/models"
)

type MaintenanceResult struct {
	DuplicateEmbeddings int64 `json:"duplicateEmbeddings"`
	ExpiredCacheEntries int64 `json:"expiredCacheEntries"`
	MemoryEntriesSwept  int   `json:"memoryEntriesSwept"`
	RawPayloadsPruned   int64 `json:"rawPayloadsPruned"`
	StaleEmbeddings     int64 `json:"staleEmbeddings"`
}

// Maintain runs the housekeeping tasks. Each task runs even if an earlier
// one failed; all failures are returned together.
func (c *Collector) Maintain(ctx context.Context) (*MaintenanceResult, error) {
	res := &MaintenanceResult{}
	var errs []error

	if c.embeddings != nil {
		n, err := c.embeddings.RemoveDuplicates(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("remove duplicate embeddings: %w", err))
		}
		res.DuplicateEmbeddings = n
	}

	n, err := c.store.CleanupExpiredCacheEntries(ctx, c.cacheGrace)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup cache entries: %w", err))
	}
	res.ExpiredCacheEntries = n

	res.MemoryEntriesSwept = c.cache.Sweep()

	if c.rawRetention > 0 {
		n, err := c.store.CleanupOldRawPayloads(ctx, c.rawRetention)
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup raw payloads: %w", err))
		}
		res.RawPayloadsPruned = n
	}

	if c.embeddingRetention > 0 {
		cutoff := models.DateString(c.now().AddDate(0, 0, -c.embeddingRetention))
		n, err := c.store.DeleteEmbeddingsBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune embeddings before %s: %w", cutoff, err))
		}
		res.StaleEmbeddings = n
	}

	log.Printf("maintenance: removed %d duplicate embeddings, %d stale embeddings, %d expired cache rows, %d memory entries, %d raw payloads",
		res.DuplicateEmbeddings, res.StaleEmbeddings, res.ExpiredCacheEntries, res.MemoryEntriesSwept, res.RawPayloadsPruned)
	return res, errors.Join(errs...)
}
