// Package archive copies finished executions and new prompt versions to object storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/ILLUVRSE/promptledger/internal/models"
)

// Archiver uploads canonical JSON snapshots of ledger records.
type Archiver interface {
	ArchiveExecution(ctx context.Context, exec models.Execution) error
	ArchiveVersion(ctx context.Context, promptName string, version models.PromptVersion) error
}

// Noop discards everything. It is used when no bucket is configured.
type Noop struct{}

func (Noop) ArchiveExecution(context.Context, models.Execution) error              { return nil }
func (Noop) ArchiveVersion(context.Context, string, models.PromptVersion) error { return nil }

// ExecutionKey is <prefix>/executions/YYYY/MM/DD/<id>.json, dated by completion time.
func ExecutionKey(prefix string, exec models.Execution) string {
	ts := exec.CreatedAt
	if exec.CompletedAt != nil && !exec.CompletedAt.IsZero() {
		ts = *exec.CompletedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(prefix, "executions",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", exec.ID),
	)
}

// VersionKey is <prefix>/prompts/<name>/v<N>.json.
func VersionKey(prefix, promptName string, version models.PromptVersion) string {
	return path.Join(prefix, "prompts", promptName, fmt.Sprintf("v%d.json", version.VersionNumber))
}
