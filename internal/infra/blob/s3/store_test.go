package s3

import (
	"context"
	"strings"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewTestStore()

	payload := []byte("region,hemisphere,channel,metric,value\nR1,Left,cy5,raw,4\n")
	artifact, err := store.Put(ctx, "exports/animal1.csv", payload, "text/csv", map[string]any{"rows": 1})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if artifact.ID != "exports/animal1.csv" {
		t.Fatalf("id = %q", artifact.ID)
	}
	if artifact.URL == "" {
		t.Fatal("expected a presigned URL")
	}

	got, body, err := store.Get(ctx, "exports/animal1.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("payload mismatch:\nwant %q\ngot  %q", payload, body)
	}
	if got.ContentType != "text/csv" {
		t.Fatalf("content type = %q", got.ContentType)
	}
	if got.Metadata["rows"] != "1" {
		t.Fatalf("metadata = %v, want rows carried through object headers", got.Metadata)
	}
}

func TestPutRejectsExistingKey(t *testing.T) {
	ctx := context.Background()
	store := NewTestStore()
	if _, err := store.Put(ctx, "exports/dup.json", []byte("{}"), "application/json", nil); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := store.Put(ctx, "exports/dup.json", []byte("{}"), "application/json", nil); err == nil {
		t.Fatal("expected error for duplicate key")
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewTestStore()
	for _, key := range []string{"exports/a.csv", "exports/b.csv", "other/c.csv"} {
		if _, err := store.Put(ctx, key, []byte("x"), "text/csv", nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	artifacts, err := store.List(ctx, "exports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	if artifacts[0].ID != "exports/a.csv" || artifacts[1].ID != "exports/b.csv" {
		t.Fatalf("unexpected keys: %v", artifacts)
	}
}

func TestDeleteRemovesObject(t *testing.T) {
	ctx := context.Background()
	store := NewTestStore()
	if _, err := store.Put(ctx, "exports/gone.csv", []byte("x"), "text/csv", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	existed, err := store.Delete(ctx, "exports/gone.csv")
	if err != nil || !existed {
		t.Fatalf("delete = %v, %v", existed, err)
	}
	if _, _, err := store.Get(ctx, "exports/gone.csv"); err == nil {
		t.Fatal("expected get to fail after delete")
	}
}

func TestOpenFromEnvRequiresBucket(t *testing.T) {
	t.Setenv("HISTOQUANT_BLOB_S3_BUCKET", "")
	if _, err := OpenFromEnv(context.Background()); err == nil || !strings.Contains(err.Error(), "HISTOQUANT_BLOB_S3_BUCKET") {
		t.Fatalf("err = %v, want missing bucket error", err)
	}
}
