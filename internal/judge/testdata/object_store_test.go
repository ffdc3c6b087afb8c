package testdata_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"

	"gavel/internal/common/storage"
	"gavel/internal/judge/model"
	"gavel/internal/judge/testdata"
	appErr "gavel/pkg/errors"
)

type fakeObjectStorage struct {
	objects map[string][]byte
	gets    int
}

func (f *fakeObjectStorage) GetObject(_ context.Context, bucket, key string) (storage.ObjectReader, error) {
	f.gets++
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, appErr.NotFoundError("object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStorage) PutObject(_ context.Context, bucket, key string, reader storage.ObjectReader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjectStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, appErr.NotFoundError("object")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func buildPack(t *testing.T, manifest map[string]interface{}, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)

	write := func(name string, data []byte) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data))}); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}

	if manifest != nil {
		raw, err := json.Marshal(manifest)
		if err != nil {
			t.Fatalf("marshal manifest: %v", err)
		}
		write("pack.json", raw)
	}
	for name, content := range files {
		write(name, []byte(content))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	return buf.Bytes()
}

func sumManifest(problemID int64) map[string]interface{} {
	return map[string]interface{}{
		"problem_id": problemID,
		"limits":     map[string]int64{"time_ms": 1000, "memory_mb": 256},
		"cases": []map[string]interface{}{
			{"index": 1, "input": "cases/1.in", "output": "cases/1.out", "visibility": "sample"},
			{"index": 2, "input": "cases/2.in", "output": "cases/2.out"},
		},
	}
}

func sumFiles() map[string]string {
	return map[string]string{
		"cases/1.in":  "1 2\n",
		"cases/1.out": "3\n",
		"cases/2.in":  "10 -4\n",
		"cases/2.out": "6\n",
	}
}

func newStore(t *testing.T, objects map[string][]byte) (*testdata.ObjectStore, *fakeObjectStorage) {
	t.Helper()
	fake := &fakeObjectStorage{objects: objects}
	store := testdata.NewObjectStore(fake, testdata.ObjectStoreConfig{Bucket: "packs"})
	return store, fake
}

func TestLoadPack(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t, map[string][]byte{
		"packs/problems/101.tar.zst": buildPack(t, sumManifest(101), sumFiles()),
	})

	pack, err := store.Load(context.Background(), 101)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pack.ProblemID != 101 {
		t.Fatalf("expected problem 101, got %d", pack.ProblemID)
	}
	if pack.Limits.TimeMs != 1000 || pack.Limits.MemoryMB != 256 {
		t.Fatalf("unexpected limits: %+v", pack.Limits)
	}
	if len(pack.Cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(pack.Cases))
	}
	if pack.Cases[0].Input != "1 2\n" || pack.Cases[0].Expected != "3\n" {
		t.Fatalf("unexpected case 1: %+v", pack.Cases[0])
	}
	if pack.Cases[0].Visibility != model.VisibilitySample {
		t.Fatalf("expected sample visibility, got %s", pack.Cases[0].Visibility)
	}
	// Unspecified visibility defaults to private.
	if pack.Cases[1].Visibility != model.VisibilityPrivate {
		t.Fatalf("expected private visibility, got %s", pack.Cases[1].Visibility)
	}
}

func TestLoadPackMissing(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t, nil)
	_, err := store.Load(context.Background(), 7)
	if !appErr.Is(err, appErr.TestDataMissing) {
		t.Fatalf("expected test data missing, got %v", err)
	}
}

func TestLoadPackCaches(t *testing.T) {
	t.Parallel()
	store, fake := newStore(t, map[string][]byte{
		"packs/problems/101.tar.zst": buildPack(t, sumManifest(101), sumFiles()),
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Load(ctx, 101); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if fake.gets != 1 {
		t.Fatalf("expected 1 storage fetch, got %d", fake.gets)
	}
}

func TestLoadPackInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not zstd", data: []byte("plain text")},
		{name: "no manifest", data: nil}, // filled below
		{name: "missing case file", data: nil},
		{name: "no cases", data: nil},
		{name: "wrong problem id", data: nil},
	}
	tests[1].data = buildPack(t, nil, sumFiles())
	tests[2].data = buildPack(t, sumManifest(101), map[string]string{"cases/1.in": "1 2\n"})
	tests[3].data = buildPack(t, map[string]interface{}{"problem_id": 101, "cases": []map[string]interface{}{}}, nil)
	tests[4].data = buildPack(t, sumManifest(999), sumFiles())

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, _ := newStore(t, map[string][]byte{
				"packs/problems/101.tar.zst": tt.data,
			})
			_, err := store.Load(context.Background(), 101)
			if !appErr.Is(err, appErr.TestDataInvalid) {
				t.Fatalf("expected test data invalid, got %v", err)
			}
		})
	}
}
