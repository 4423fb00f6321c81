// Package export implements the §4.11 export engine: streaming CSV and
// JSONL writers over Storage's Labels, with atomic write-then-rename,
// a streamed SHA-256 hash, and the §6 manifest.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/anvilhq/anvil/internal/telemetry"
	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/redaction"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
)

// Format is one of the two export formats in scope (§4.11).
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// chunkSize bounds how many labels are pulled from Storage per batch,
// keeping memory use flat regardless of export size (§4.11).
const chunkSize = 1000

// AnvilVersion is stamped into every manifest (§6); internal/app.Run sets
// it from version.Version (itself set via -ldflags), defaulting to "dev".
var AnvilVersion = "dev"

// Options configures one export run (§4.11).
type Options struct {
	Tenant          uuid.UUID
	QueueID         uuid.UUID
	SchemaVersionID uuid.UUID
	OutputPath      string
	Format          Format
	Limit           int
	Offset          int
	RedactionMode   redaction.Mode
	RedactionSalt   []byte
}

// Manifest is the §6 export manifest JSON shape.
type Manifest struct {
	ExportID             string         `json:"export_id"`
	QueueID              string         `json:"queue_id"`
	SchemaVersionID       string         `json:"schema_version_id"`
	SampleVersion        string         `json:"sample_version,omitempty"`
	Format               Format         `json:"format"`
	OutputPath           string         `json:"output_path"`
	RowCount             int            `json:"row_count"`
	SHA256Hash           string         `json:"sha256_hash"`
	ExportedAt           string         `json:"exported_at"`
	Parameters           ManifestParams `json:"parameters"`
	AnvilVersion         string         `json:"anvil_version"`
	SchemaDefinitionHash *string        `json:"schema_definition_hash"`
}

// ManifestParams records the query parameters an export ran with.
type ManifestParams struct {
	Limit         *int           `json:"limit"`
	Offset        *int           `json:"offset"`
	Filter        map[string]any `json:"filter"`
	RedactionMode string         `json:"redaction_mode"`
}

// Result is what a successful export call returns (§4.11).
type Result struct {
	Manifest   Manifest
	OutputPath string
}

// Engine runs exports against a Storage and the schema/redaction engines.
type Engine struct {
	Store storage.Store
	Now   func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Run executes one export (§4.11). It is cancellable: on ctx
// cancellation the temp file is removed and the returned storage_error
// wraps ctx.Err().
func (e *Engine) Run(ctx context.Context, opts Options, def schema.Definition) (result Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "export_run")
	span.SetAttributes(
		attribute.String("anvil.tenant_id", opts.Tenant.String()),
		attribute.String("anvil.queue_id", opts.QueueID.String()),
		attribute.String("anvil.format", string(opts.Format)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		} else {
			span.SetAttributes(attribute.Int("anvil.row_count", result.Manifest.RowCount))
		}
		span.End()
	}()

	if opts.SchemaVersionID == uuid.Nil {
		return Result{}, anvilerr.ValidationFailedErr([]anvilerr.FieldError{
			{Field: "schema_version_id", Error: "required"},
		})
	}
	if opts.OutputPath == "" {
		return Result{}, anvilerr.ValidationFailedErr([]anvilerr.FieldError{
			{Field: "output_path", Error: "required"},
		})
	}

	tmpPath := opts.OutputPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, anvilerr.StorageErrf(err, "creating export temp file")
	}

	hasher := sha256.New()
	writer := io.MultiWriter(f, hasher)

	redactor := redaction.New(def, opts.RedactionMode, opts.RedactionSalt, nil)
	fieldNames := def.SortedFieldNames()

	var rowCount, seen int
	var csvw *csv.Writer
	if opts.Format == FormatCSV {
		csvw = csv.NewWriter(writer)
		header := append([]string{"sample_id", "labeler_id"}, fieldNames...)
		header = append(header, "submitted_at")
		if err := csvw.Write(header); err != nil {
			return e.fail(f, tmpPath, err)
		}
	}

	filter := storage.LabelFilter{
		Tenant:          opts.Tenant,
		QueueID:         opts.QueueID,
		SchemaVersionID: opts.SchemaVersionID,
	}
	assignmentCache := make(map[uuid.UUID]string)
	sampleIDFor := func(l storage.Label) (string, error) {
		if id, ok := assignmentCache[l.AssignmentID]; ok {
			return id, nil
		}
		a, err := e.Store.GetAssignment(ctx, opts.Tenant, l.AssignmentID)
		if err != nil {
			return "", err
		}
		assignmentCache[l.AssignmentID] = a.SampleID
		return a.SampleID, nil
	}

	err = e.Store.StreamLabels(ctx, filter, storage.OrderExportDefault, chunkSize, func(batch []storage.Label) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start, end := opts.Offset, 0
		if opts.Limit > 0 {
			end = opts.Offset + opts.Limit
		}
		for _, l := range batch {
			if seen < start {
				seen++
				continue
			}
			if end > 0 && seen >= end {
				break
			}
			sampleID, err := sampleIDFor(l)
			if err != nil {
				return err
			}
			redacted := redactor.Apply(l.Payload)
			switch opts.Format {
			case FormatCSV:
				row := make([]string, 0, len(fieldNames)+3)
				row = append(row, sampleID, l.LabelerID.String())
				for _, name := range fieldNames {
					row = append(row, csvCell(redacted[name]))
				}
				row = append(row, l.SubmittedAt.UTC().Format(time.RFC3339))
				if err := csvw.Write(row); err != nil {
					return err
				}
			case FormatJSONL:
				obj := map[string]any{
					"sample_id":    sampleID,
					"labeler_id":   l.LabelerID.String(),
					"payload":      redacted,
					"submitted_at": l.SubmittedAt.UTC().Format(time.RFC3339),
				}
				raw, err := json.Marshal(obj)
				if err != nil {
					return err
				}
				if _, err := writer.Write(append(raw, '\n')); err != nil {
					return err
				}
			}
			seen++
			rowCount++
		}
		return nil
	})
	if err != nil {
		return e.fail(f, tmpPath, err)
	}

	if csvw != nil {
		csvw.Flush()
		if err := csvw.Error(); err != nil {
			return e.fail(f, tmpPath, err)
		}
	}
	if err := f.Close(); err != nil {
		return e.fail(f, tmpPath, err)
	}
	if err := os.Rename(tmpPath, opts.OutputPath); err != nil {
		return Result{}, anvilerr.StorageErrf(err, "renaming export output")
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	limitPtr, offsetPtr := intPtr(opts.Limit), intPtr(opts.Offset)
	manifest := Manifest{
		ExportID:        "exp_" + uuid.NewString(),
		QueueID:         opts.QueueID.String(),
		SchemaVersionID: opts.SchemaVersionID.String(),
		Format:          opts.Format,
		OutputPath:      opts.OutputPath,
		RowCount:        rowCount,
		SHA256Hash:      hash,
		ExportedAt:      e.now().UTC().Format(time.RFC3339),
		Parameters: ManifestParams{
			Limit:         limitPtr,
			Offset:        offsetPtr,
			Filter:        map[string]any{"queue_id": opts.QueueID.String()},
			RedactionMode: string(opts.RedactionMode),
		},
		AnvilVersion: AnvilVersion,
	}

	manifestPath := opts.OutputPath + ".manifest.json"
	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Result{}, anvilerr.StorageErrf(err, "marshaling manifest")
	}
	if err := os.WriteFile(manifestPath, manifestRaw, 0o644); err != nil {
		return Result{}, anvilerr.StorageErrf(err, "writing manifest")
	}

	return Result{Manifest: manifest, OutputPath: opts.OutputPath}, nil
}

func (e *Engine) fail(f *os.File, tmpPath string, cause error) (Result, error) {
	f.Close()
	os.Remove(tmpPath)
	return Result{}, anvilerr.StorageErrf(cause, "export failed")
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func csvCell(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}
