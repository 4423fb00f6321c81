package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/redaction"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
	"github.com/anvilhq/anvil/pkg/storage/memstore"
)

func fixtureStore(t *testing.T) (*memstore.Store, uuid.UUID, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	tenant := uuid.New()
	queueID := uuid.New()
	schemaID := uuid.New()

	if _, err := store.PutSchemaVersion(context.Background(), storage.SchemaVersionRecord{
		ID: schemaID, QueueID: queueID, Tenant: tenant, VersionNumber: 1,
	}); err != nil {
		t.Fatalf("PutSchemaVersion: %v", err)
	}

	labelerA, labelerB := uuid.New(), uuid.New()
	for i, lbl := range []uuid.UUID{labelerA, labelerB} {
		assignID := uuid.New()
		if _, err := store.PutAssignment(context.Background(), storage.Assignment{
			ID: assignID, QueueID: queueID, SampleID: "s1", LabelerID: lbl, Tenant: tenant,
			Status: storage.StatusCompleted, Version: 1, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("PutAssignment: %v", err)
		}
		if _, err := store.PutLabel(context.Background(), storage.Label{
			ID: uuid.New(), AssignmentID: assignID, LabelerID: lbl, SchemaVersionID: schemaID,
			Payload: map[string]any{"sentiment": []string{"pos", "neg"}[i]}, SubmittedAt: time.Now(),
		}); err != nil {
			t.Fatalf("PutLabel: %v", err)
		}
	}
	return store, tenant, queueID, schemaID
}

func TestRunCSVExport(t *testing.T) {
	store, tenant, queueID, schemaID := fixtureStore(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "export.csv")

	def := schema.Definition{Fields: []schema.Field{
		{Name: "sentiment", Type: schema.FieldSelect, Options: []string{"pos", "neg"}},
	}}

	eng := &Engine{Store: store}
	res, err := eng.Run(context.Background(), Options{
		Tenant: tenant, QueueID: queueID, SchemaVersionID: schemaID,
		OutputPath: out, Format: FormatCSV, RedactionMode: redaction.ModeNone,
	}, def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Manifest.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", res.Manifest.RowCount)
	}
	if len(res.Manifest.SHA256Hash) != 64 {
		t.Fatalf("SHA256Hash length = %d, want 64", len(res.Manifest.SHA256Hash))
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("opening export output: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	if len(rows) != 3 { // header + 2 rows
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][2] != "sentiment" {
		t.Errorf("header field 2 = %q, want sentiment", rows[0][2])
	}

	if _, err := os.Stat(out + ".manifest.json"); err != nil {
		t.Errorf("manifest file missing: %v", err)
	}
	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should have been renamed away")
	}
}

func TestRunJSONLExport(t *testing.T) {
	store, tenant, queueID, schemaID := fixtureStore(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "export.jsonl")

	def := schema.Definition{Fields: []schema.Field{
		{Name: "sentiment", Type: schema.FieldSelect, Options: []string{"pos", "neg"}},
	}}

	eng := &Engine{Store: store}
	res, err := eng.Run(context.Background(), Options{
		Tenant: tenant, QueueID: queueID, SchemaVersionID: schemaID,
		OutputPath: out, Format: FormatJSONL, RedactionMode: redaction.ModeNone,
	}, def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Manifest.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", res.Manifest.RowCount)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("opening export output: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}

func TestRunRequiresSchemaVersionID(t *testing.T) {
	store, tenant, queueID, _ := fixtureStore(t)
	eng := &Engine{Store: store}
	_, err := eng.Run(context.Background(), Options{
		Tenant: tenant, QueueID: queueID, OutputPath: filepath.Join(t.TempDir(), "x.csv"), Format: FormatCSV,
	}, schema.Definition{})
	if err == nil {
		t.Fatalf("expected an error for missing schema_version_id")
	}
}

func TestRunIsReproducible(t *testing.T) {
	store, tenant, queueID, schemaID := fixtureStore(t)
	def := schema.Definition{Fields: []schema.Field{
		{Name: "sentiment", Type: schema.FieldSelect, Options: []string{"pos", "neg"}},
	}}
	eng := &Engine{Store: store}

	dir := t.TempDir()
	out1 := filepath.Join(dir, "a.csv")
	out2 := filepath.Join(dir, "b.csv")
	res1, err := eng.Run(context.Background(), Options{Tenant: tenant, QueueID: queueID, SchemaVersionID: schemaID, OutputPath: out1, Format: FormatCSV}, def)
	if err != nil {
		t.Fatalf("Run 1: %v", err)
	}
	res2, err := eng.Run(context.Background(), Options{Tenant: tenant, QueueID: queueID, SchemaVersionID: schemaID, OutputPath: out2, Format: FormatCSV}, def)
	if err != nil {
		t.Fatalf("Run 2: %v", err)
	}
	if res1.Manifest.SHA256Hash != res2.Manifest.SHA256Hash {
		t.Errorf("hashes differ across identical re-runs: %s vs %s", res1.Manifest.SHA256Hash, res2.Manifest.SHA256Hash)
	}
}
