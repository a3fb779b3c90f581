package app

import (
	"context"
	"fmt"

	"github.com/MrSnakeDoc/shelf/internal/config"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/sources/homepage"
)

// ImportResult summarises an offline import.
type ImportResult struct {
	Imported int
	Skipped  []homepage.Skipped
}

// Import loads a Homepage bookmarks.yaml into userID's shelf through the
// configured backend. With redis, running servers see the rows through the
// feed; with sqlite they see them at the next resync.
func Import(ctx context.Context, cfg *config.Config, userID, path string) (ImportResult, error) {
	log := logger.New(cfg.LogLevel, cfg.PrettyLog)

	bookmarks, err := homepage.NewBookmarkLoader(path).Load()
	if err != nil {
		return ImportResult{}, err
	}
	drafts, skipped, err := homepage.NewBookmarkMapper().MapDrafts(bookmarks)
	if err != nil {
		return ImportResult{Skipped: skipped}, err
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return ImportResult{}, err
	}
	defer be.Close(log)

	rows, err := be.store.InsertMany(ctx, userID, drafts)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to import bookmarks: %w", err)
	}

	log.Info("bookmarks imported",
		logger.String("user_id", userID),
		logger.String("file", path),
		logger.Int("imported", len(rows)),
		logger.Int("skipped", len(skipped)))
	return ImportResult{Imported: len(rows), Skipped: skipped}, nil
}
