// Package cache is the content-addressed, file-backed store for extracted
// acoustic features. Keys are derived from the sample bytes and the
// extraction parameters that shape the result, so a voicebank edit or an
// analysis-affecting flag change naturally misses. Entries are published by
// atomic rename and duplicate extractions for the same key are collapsed to
// a single run.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/book-expert/logger"

	"github.com/book-expert/resampler-service/internal/core"
)

// Binary entry layout constants.
const (
	entryMagic   = "RSFC"
	entryVersion = uint16(1)

	entryExtension = ".rsfc"
	tempPattern    = ".cache-*.tmp"
)

// Key derives the cache key for one sample under one extraction setup. Only
// parameters that change extraction output participate; pure transform
// flags do not.
func Key(sampleBytes []byte, sampleRate, hop, bands int, gender float64) core.CacheKey {
	hasher := sha256.New()

	header := make([]byte, 0, 64)
	header = append(header, entryMagic...)
	header = binary.LittleEndian.AppendUint16(header, entryVersion)
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate))
	header = binary.LittleEndian.AppendUint32(header, uint32(hop))
	header = binary.LittleEndian.AppendUint16(header, uint16(bands))
	header = binary.LittleEndian.AppendUint64(header, math.Float64bits(gender))

	hasher.Write(header)
	hasher.Write(sampleBytes)

	var key core.CacheKey

	copy(key[:], hasher.Sum(nil))

	return key
}

// Store is the on-disk feature cache. It satisfies core.FeatureStore.
type Store struct {
	dir   string
	group singleflight.Group
	log   *logger.Logger
}

// New creates a cache rooted at dir, creating it if needed.
func New(dir string, log *logger.Logger) (*Store, error) {
	mkdirErr := os.MkdirAll(dir, 0o755)
	if mkdirErr != nil {
		return nil, fmt.Errorf("%w: create cache directory: %w", core.ErrIOFailure, mkdirErr)
	}

	return &Store{dir: dir, log: log}, nil
}

func (s *Store) entryPath(key core.CacheKey) string {
	return filepath.Join(s.dir, key.String()+entryExtension)
}

// Lookup reads and validates the entry for key. A missing entry returns
// fs.ErrNotExist; a malformed one returns ErrCacheCorrupt.
func (s *Store) Lookup(key core.CacheKey) (*core.AcousticFeatures, error) {
	raw, readErr := os.ReadFile(s.entryPath(key))
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("cache miss for %s: %w", key, readErr)
		}

		return nil, fmt.Errorf("%w: read cache entry: %w", core.ErrIOFailure, readErr)
	}

	features, decodeErr := decodeEntry(raw)
	if decodeErr != nil {
		return nil, decodeErr
	}

	return features, nil
}

// Store encodes features and publishes them under key via temp-and-rename,
// so concurrent readers never observe a partial entry.
func (s *Store) Store(key core.CacheKey, features *core.AcousticFeatures) error {
	if validateErr := features.Validate(); validateErr != nil {
		return validateErr
	}

	tempFile, tempErr := os.CreateTemp(s.dir, tempPattern)
	if tempErr != nil {
		return fmt.Errorf("%w: create cache staging file: %w", core.ErrIOFailure, tempErr)
	}

	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(encodeEntry(features))

	closeErr := tempFile.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("%w: write cache entry %s: %w",
			core.ErrIOFailure, key, errors.Join(writeErr, closeErr))
	}

	renameErr := os.Rename(tempPath, s.entryPath(key))
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("%w: publish cache entry %s: %w", core.ErrIOFailure, key, renameErr)
	}

	return nil
}

// Invalidate removes the entry for key. Removing an absent entry is not an
// error.
func (s *Store) Invalidate(key core.CacheKey) error {
	removeErr := os.Remove(s.entryPath(key))
	if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return fmt.Errorf("%w: invalidate cache entry %s: %w", core.ErrIOFailure, key, removeErr)
	}

	return nil
}

// GetOrExtract returns the cached features for key, running extract on a
// miss. Concurrent callers with the same key share one extraction. A
// corrupted entry is dropped and re-extracted; a failed store is logged and
// the freshly extracted features are still returned.
func (s *Store) GetOrExtract(
	key core.CacheKey,
	forceRegen bool,
	extract func() (*core.AcousticFeatures, error),
) (*core.AcousticFeatures, error) {
	result, err, _ := s.group.Do(key.String(), func() (any, error) {
		if !forceRegen {
			cached, lookupErr := s.Lookup(key)
			if lookupErr == nil {
				return cached, nil
			}

			if errors.Is(lookupErr, core.ErrCacheCorrupt) {
				if s.log != nil {
					s.log.Warn("Dropping corrupt cache entry %s: %v", key, lookupErr)
				}

				_ = s.Invalidate(key)
			}
		}

		features, extractErr := extract()
		if extractErr != nil {
			return nil, extractErr
		}

		storeErr := s.Store(key, features)
		if storeErr != nil && s.log != nil {
			s.log.Warn("Failed to store cache entry %s: %v", key, storeErr)
		}

		return features, nil
	})
	if err != nil {
		return nil, err
	}

	features, ok := result.(*core.AcousticFeatures)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected cache result type", core.ErrCacheCorrupt)
	}

	return features, nil
}

// Prune removes entries older than maxAge and returns how many were
// deleted. Staging leftovers from crashed runs are removed on the same
// schedule.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	entries, readErr := os.ReadDir(s.dir)
	if readErr != nil {
		return 0, fmt.Errorf("%w: scan cache directory: %w", core.ErrIOFailure, readErr)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := filepath.Ext(entry.Name())
		if ext != entryExtension && ext != ".tmp" {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if os.Remove(filepath.Join(s.dir, entry.Name())) == nil {
			removed++
		}
	}

	return removed, nil
}

// encodeEntry serializes features into the binary entry layout: magic,
// version, geometry, peak gain, then the F0, envelope and aperiodicity
// arrays as little-endian float64.
func encodeEntry(features *core.AcousticFeatures) []byte {
	var buf bytes.Buffer

	buf.WriteString(entryMagic)

	_ = binary.Write(&buf, binary.LittleEndian, entryVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(features.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(features.HopSize))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(features.Bands))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(features.FrameCount))
	_ = binary.Write(&buf, binary.LittleEndian, features.PeakScale)
	_ = binary.Write(&buf, binary.LittleEndian, features.F0)
	_ = binary.Write(&buf, binary.LittleEndian, features.Envelope)
	_ = binary.Write(&buf, binary.LittleEndian, features.Aperiodicity)

	return buf.Bytes()
}

func decodeEntry(raw []byte) (*core.AcousticFeatures, error) {
	reader := bytes.NewReader(raw)

	magic := make([]byte, len(entryMagic))
	if _, err := reader.Read(magic); err != nil || string(magic) != entryMagic {
		return nil, fmt.Errorf("%w: bad entry magic", core.ErrCacheCorrupt)
	}

	var (
		version    uint16
		sampleRate uint32
		hopSize    uint32
		bands      uint16
		frameCount uint32
		peakScale  float64
	)

	for _, field := range []any{&version, &sampleRate, &hopSize, &bands, &frameCount, &peakScale} {
		if err := binary.Read(reader, binary.LittleEndian, field); err != nil {
			return nil, fmt.Errorf("%w: truncated entry header: %w", core.ErrCacheCorrupt, err)
		}
	}

	if version != entryVersion {
		return nil, fmt.Errorf("%w: entry version %d, want %d",
			core.ErrCacheCorrupt, version, entryVersion)
	}

	frames := int(frameCount)
	bandCount := int(bands)

	// The payload length is implied by the header; a mismatch means the
	// header itself is damaged.
	wantBytes := (frames + 2*frames*bandCount) * 8
	if reader.Len() != wantBytes {
		return nil, fmt.Errorf("%w: entry payload is %d bytes, want %d",
			core.ErrCacheCorrupt, reader.Len(), wantBytes)
	}

	features := &core.AcousticFeatures{
		SampleRate:   int(sampleRate),
		HopSize:      int(hopSize),
		Bands:        bandCount,
		FrameCount:   frames,
		PeakScale:    peakScale,
		F0:           make([]float64, frames),
		Envelope:     make([]float64, frames*bandCount),
		Aperiodicity: make([]float64, frames*bandCount),
	}

	for _, array := range [][]float64{features.F0, features.Envelope, features.Aperiodicity} {
		if err := binary.Read(reader, binary.LittleEndian, array); err != nil {
			return nil, fmt.Errorf("%w: truncated entry payload: %w", core.ErrCacheCorrupt, err)
		}
	}

	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in entry", core.ErrCacheCorrupt, reader.Len())
	}

	if validateErr := features.Validate(); validateErr != nil {
		return nil, validateErr
	}

	return features, nil
}
