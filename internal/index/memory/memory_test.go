package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
)

func TestBackend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(Config{Now: func() time.Time { return now }})

	if _, err := b.ResolveAlias(ctx, "a"); !errors.Is(err, deflector.ErrAliasNotFound) {
		t.Fatalf("ResolveAlias = %v, want ErrAliasNotFound", err)
	}
	if err := b.CreateIndex(ctx, "x_0"); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateIndex(ctx, "x_0"); !errors.Is(err, deflector.ErrIndexExists) {
		t.Fatalf("duplicate CreateIndex = %v", err)
	}
	if err := b.PointAliasAtomic(ctx, "a", "x_0", ""); err != nil {
		t.Fatal(err)
	}
	if err := b.PointAliasAtomic(ctx, "a", "x_0", ""); !errors.Is(err, deflector.ErrAliasConflict) {
		t.Fatalf("re-create alias = %v, want ErrAliasConflict", err)
	}

	for i := range 3 {
		if err := b.Append(ctx, "x_0", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Append(ctx, "missing", nil); !errors.Is(err, deflector.ErrIndexNotFound) {
		t.Fatalf("Append(missing) = %v", err)
	}
	if n, _ := b.DocCount(ctx, "x_0"); n != 3 {
		t.Fatalf("DocCount = %d, want 3", n)
	}
	if docs := b.Documents("x_0"); len(docs) != 3 || docs[2]["i"] != 2 {
		t.Fatalf("Documents = %v", docs)
	}

	now = now.Add(time.Minute)
	if age, _ := b.IndexAge(ctx, "x_0"); age != time.Minute {
		t.Fatalf("IndexAge = %v, want 1m", age)
	}

	if err := b.CreateIndex(ctx, "x_1"); err != nil {
		t.Fatal(err)
	}
	if err := b.PointAliasAtomic(ctx, "a", "x_1", "x_0"); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteIndex(ctx, "x_1"); err == nil {
		t.Fatal("deleted alias target")
	}
	if err := b.DeleteIndex(ctx, "x_0"); err != nil {
		t.Fatal(err)
	}
	infos, _ := b.ListIndices(ctx)
	if len(infos) != 1 || infos[0].Name != "x_1" {
		t.Fatalf("ListIndices = %+v", infos)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	if err := b.CreateIndex(ctx, "x_0"); err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if err := b.Append(ctx, "x_0", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	var lines []string
	if err := b.Export(ctx, "x_0", func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != `{"i":0}` || lines[1] != `{"i":1}` {
		t.Errorf("lines = %q", lines)
	}

	if err := b.Export(ctx, "missing", func([]byte) error { return nil }); !errors.Is(err, deflector.ErrIndexNotFound) {
		t.Errorf("Export(missing) = %v", err)
	}
}
