package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
)

type fakePutter struct {
	bucket      string
	key         string
	body        []byte
	contentType string
	err         error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, _ := io.ReadAll(reader)
	f.bucket, f.key, f.body, f.contentType = bucket, key, body, opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func TestPutJSON(t *testing.T) {
	putter := &fakePutter{}
	store := NewWithPutter(putter, "safety", "")

	key, err := store.PutJSON(context.Background(), "2026/10/19/run-1.json", map[string]int{"redactedMessages": 3})
	if err != nil {
		t.Fatalf("PutJSON failed: %v", err)
	}
	if key != "purge-reports/2026/10/19/run-1.json" || putter.key != key || putter.bucket != "safety" {
		t.Fatalf("unexpected key %q bucket %q", putter.key, putter.bucket)
	}
	if putter.contentType != "application/json" {
		t.Fatalf("unexpected content type %q", putter.contentType)
	}
	var decoded map[string]int
	if err := json.Unmarshal(putter.body, &decoded); err != nil || decoded["redactedMessages"] != 3 {
		t.Fatalf("unexpected body %s (%v)", putter.body, err)
	}
}

func TestKeyRejectsTraversal(t *testing.T) {
	store := NewWithPutter(&fakePutter{}, "safety", "/reports/")
	for _, name := range []string{"", "../secrets", `a\b`} {
		if _, err := store.Key(name); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if key, err := store.Key("/run.json"); err != nil || key != "reports/run.json" {
		t.Fatalf("unexpected key %q, %v", key, err)
	}
}

func TestPutJSONWrapsError(t *testing.T) {
	store := NewWithPutter(&fakePutter{err: errors.New("access denied")}, "safety", "")
	if _, err := store.PutJSON(context.Background(), "run.json", struct{}{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected missing config error")
	}
}
