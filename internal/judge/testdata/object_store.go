package testdata

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"gavel/internal/common/storage"
	"gavel/internal/judge/model"
	appErr "gavel/pkg/errors"
)

const (
	// packObjectFormat is the object key for a problem's pack.
	packObjectFormat = "problems/%d.tar.zst"
	manifestName     = "pack.json"

	// maxCaseFileBytes bounds a single decompressed file so a hostile
	// archive cannot exhaust memory.
	maxCaseFileBytes = 64 << 20
)

// ObjectStoreConfig configures the pack loader.
type ObjectStoreConfig struct {
	Bucket    string        `yaml:"bucket"`
	CacheSize int           `yaml:"cacheSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

func DefaultObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		Bucket:    "gavel-testdata",
		CacheSize: 64,
		CacheTTL:  10 * time.Minute,
	}
}

// ObjectStore loads packs from object storage and keeps recently used
// packs in a bounded in-process cache. Packs are immutable, so the TTL
// only bounds staleness after a re-upload.
type ObjectStore struct {
	storage storage.ObjectStorage
	cfg     ObjectStoreConfig
	cache   *packCache
}

func NewObjectStore(objStorage storage.ObjectStorage, cfg ObjectStoreConfig) *ObjectStore {
	def := DefaultObjectStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return &ObjectStore{
		storage: objStorage,
		cfg:     cfg,
		cache:   newPackCache(cfg.CacheSize, cfg.CacheTTL),
	}
}

func (s *ObjectStore) Load(ctx context.Context, problemID int64) (*Pack, error) {
	if problemID <= 0 {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	key := fmt.Sprintf(packObjectFormat, problemID)
	if pack, ok := s.cache.get(key); ok {
		return pack, nil
	}

	reader, err := s.storage.GetObject(ctx, s.cfg.Bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestDataMissing, "test data pack for problem %d not found", problemID)
	}
	defer reader.Close()

	pack, err := decodePack(reader, problemID)
	if err != nil {
		return nil, err
	}
	s.cache.set(key, pack)
	return pack, nil
}

// decodePack reads the zstd tar stream into a Pack. The manifest may
// appear anywhere in the archive, so files are gathered first and
// resolved afterwards.
func decodePack(r io.Reader, problemID int64) (*Pack, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestDataInvalid, "pack for problem %d is not zstd", problemID)
	}
	defer zr.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.TestDataInvalid, "pack for problem %d has a broken archive", problemID)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return nil, appErr.Newf(appErr.TestDataInvalid, "pack for problem %d escapes the archive root: %s", problemID, hdr.Name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxCaseFileBytes+1))
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.TestDataInvalid, "pack for problem %d has an unreadable entry %s", problemID, name)
		}
		if len(data) > maxCaseFileBytes {
			return nil, appErr.Newf(appErr.TestDataInvalid, "pack for problem %d entry %s exceeds the size cap", problemID, name)
		}
		files[name] = data
	}

	raw, ok := files[manifestName]
	if !ok {
		return nil, appErr.Newf(appErr.TestDataInvalid, "pack for problem %d has no %s", problemID, manifestName)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, appErr.Wrapf(err, appErr.TestDataInvalid, "pack for problem %d has a malformed manifest", problemID)
	}
	if m.ProblemID != 0 && m.ProblemID != problemID {
		return nil, appErr.Newf(appErr.TestDataInvalid, "pack manifest names problem %d, expected %d", m.ProblemID, problemID)
	}
	if len(m.Cases) == 0 {
		return nil, appErr.Newf(appErr.TestDataInvalid, "pack for problem %d declares no cases", problemID)
	}

	pack := &Pack{ProblemID: problemID, Limits: m.Limits}
	for _, c := range m.Cases {
		input, ok := files[path.Clean(c.Input)]
		if !ok {
			return nil, appErr.Newf(appErr.TestDataInvalid, "pack for problem %d case %d references missing input %s", problemID, c.Index, c.Input)
		}
		expected, ok := files[path.Clean(c.Output)]
		if !ok {
			return nil, appErr.Newf(appErr.TestDataInvalid, "pack for problem %d case %d references missing output %s", problemID, c.Index, c.Output)
		}
		visibility := c.Visibility
		if visibility == "" {
			visibility = model.VisibilityPrivate
		}
		pack.Cases = append(pack.Cases, model.TestCase{
			Index:      c.Index,
			Input:      string(input),
			Expected:   string(expected),
			Visibility: visibility,
		})
	}
	sort.Slice(pack.Cases, func(i, j int) bool { return pack.Cases[i].Index < pack.Cases[j].Index })
	return pack, nil
}
