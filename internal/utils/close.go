package utils

import (
	"io"

	"github.com/MrSnakeDoc/shelf/internal/logger"
)

// MustClose closes c and logs any error under name.
// Use on shutdown paths where we want to track close errors.
func MustClose(c io.Closer, name string, log logger.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("failed to close", logger.String("component", name), logger.Error(err))
		return
	}
	log.Info("✅ closed cleanly", logger.String("component", name))
}
