package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/vnmchuo/usage-meter/internal/usage"
)

// Calculator serves the current price table. The table can be swapped at
// runtime without coordination with readers.
type Calculator struct {
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

func NewCalculator(t *Table, logger *slog.Logger) *Calculator {
	if t == nil {
		t = DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Calculator{logger: logger}
	c.table.Store(t)
	return c
}

func (c *Calculator) Table() *Table {
	return c.table.Load()
}

func (c *Calculator) SetTable(t *Table) {
	if t != nil {
		c.table.Store(t)
	}
}

func (c *Calculator) Calculate(model string, inputTokens, outputTokens int64, meta *usage.CostMeta) usage.Cost {
	return Calculate(c.table.Load(), model, inputTokens, outputTokens, meta)
}

func (c *Calculator) CalculateDelta(d usage.Delta, meta *usage.CostMeta) usage.Cost {
	return CalculateDelta(c.table.Load(), d, meta)
}

// Reload re-reads path and swaps the table in. A table that fails to parse
// leaves the previous one in place.
func (c *Calculator) Reload(path string) error {
	t, err := LoadFile(path)
	if err != nil {
		return err
	}
	c.table.Store(t)
	c.logger.Info("price table reloaded", "path", path, "models", len(t.Models))
	return nil
}

// Watch reloads the table whenever path is written or recreated, until ctx
// is done. The parent directory is watched so editors that replace the file
// are picked up too.
func (c *Calculator) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := c.Reload(target); err != nil {
					c.logger.Error("price table reload failed", "path", target, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("price table watcher error", "error", err)
			}
		}
	}()

	return nil
}
