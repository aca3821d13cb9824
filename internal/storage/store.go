// Package storage keeps the engine's small persistent state in BoltDB:
// remembered track preferences and a bounded cache of per-item media
// segments. All operations are atomic; the store degrades to defaults when
// individual records are missing or unreadable.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/pkg/config"
)

var (
	bucketTrackPrefs = []byte("track_prefs") // per-series remembered track languages
	bucketSegments   = []byte("segments")    // cached media segments per item
)

// Store handles all BoltDB operations for the playback engine.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// TrackPreference is the remembered audio/subtitle choice for a scope
// (usually a series id, or "global" for movies). Indices are remembered for
// exact-item matches; languages generalize across episodes.
type TrackPreference struct {
	AudioIndex       *int      `json:"audio_index,omitempty"`
	AudioLanguage    string    `json:"audio_language,omitempty"`
	SubtitleIndex    *int      `json:"subtitle_index,omitempty"`
	SubtitleLanguage string    `json:"subtitle_language,omitempty"`
	SubtitleForced   bool      `json:"subtitle_forced,omitempty"`
	SubtitleOff      bool      `json:"subtitle_off"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// segmentRecord is the on-disk envelope for cached segments.
type segmentRecord struct {
	Segments []jellyfin.MediaSegment `json:"segments"`
	CachedAt time.Time               `json:"cached_at"`
}

// NewStore opens or creates the database under the configured directory.
func NewStore(cfg *config.StoreConfig, logger *slog.Logger) (*Store, error) {
	dbPath := filepath.Join(cfg.Directory, "go-jf-play.db")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	logger.Info("Store initialized", "db_path", dbPath)
	return store, nil
}

func (s *Store) initializeBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketTrackPrefs, bucketSegments} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", string(bucket), err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	s.logger.Info("Closing store")
	return s.db.Close()
}

// SaveTrackPreference persists the remembered track choice for a scope.
func (s *Store) SaveTrackPreference(scope string, pref *TrackPreference) error {
	if scope == "" {
		return fmt.Errorf("track preference scope must not be empty")
	}
	pref.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(pref)
		if err != nil {
			return fmt.Errorf("failed to marshal track preference: %w", err)
		}
		if err := tx.Bucket(bucketTrackPrefs).Put([]byte(scope), data); err != nil {
			return fmt.Errorf("failed to store track preference: %w", err)
		}

		s.logger.Debug("Track preference saved",
			"scope", scope,
			"audio_language", pref.AudioLanguage,
			"subtitle_language", pref.SubtitleLanguage,
			"subtitle_off", pref.SubtitleOff)
		return nil
	})
}

// TrackPreference returns the remembered track choice for a scope, or nil
// when none exists. Unreadable records are dropped rather than surfaced.
func (s *Store) TrackPreference(scope string) (*TrackPreference, error) {
	var pref *TrackPreference
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTrackPrefs).Get([]byte(scope))
		if data == nil {
			return nil
		}
		var p TrackPreference
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn("Dropping malformed track preference", "scope", scope, "error", err)
			return nil
		}
		pref = &p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read track preference: %w", err)
	}
	return pref, nil
}

// SaveSegments caches the media segments for an item.
func (s *Store) SaveSegments(itemID string, segments []jellyfin.MediaSegment) error {
	if itemID == "" {
		return fmt.Errorf("item id must not be empty")
	}

	record := segmentRecord{Segments: segments, CachedAt: time.Now()}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal segments: %w", err)
		}
		if err := tx.Bucket(bucketSegments).Put([]byte(itemID), data); err != nil {
			return fmt.Errorf("failed to store segments: %w", err)
		}
		return nil
	})
}

// Segments returns the cached segments for an item. The second return value
// reports a usable cache hit; entries older than maxAge are misses.
func (s *Store) Segments(itemID string, maxAge time.Duration) ([]jellyfin.MediaSegment, bool, error) {
	var segments []jellyfin.MediaSegment
	var hit bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSegments).Get([]byte(itemID))
		if data == nil {
			return nil
		}
		var record segmentRecord
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn("Dropping malformed segment cache entry", "item_id", itemID, "error", err)
			return nil
		}
		if maxAge > 0 && time.Since(record.CachedAt) > maxAge {
			return nil
		}
		segments = record.Segments
		hit = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read segments: %w", err)
	}
	return segments, hit, nil
}

// PruneSegments evicts the oldest cached segment entries until at most max
// remain. Returns the number of evicted entries.
func (s *Store) PruneSegments(max int) (int, error) {
	if max < 0 {
		max = 0
	}

	evicted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSegments)

		type entry struct {
			key      []byte
			cachedAt time.Time
		}
		var entries []entry

		if err := bucket.ForEach(func(k, v []byte) error {
			var record segmentRecord
			cachedAt := time.Time{}
			if err := json.Unmarshal(v, &record); err == nil {
				cachedAt = record.CachedAt
			}
			key := make([]byte, len(k))
			copy(key, k)
			entries = append(entries, entry{key: key, cachedAt: cachedAt})
			return nil
		}); err != nil {
			return err
		}

		if len(entries) <= max {
			return nil
		}

		// Oldest first. Malformed records have a zero time and go first.
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].cachedAt.Before(entries[j].cachedAt)
		})

		for _, e := range entries[:len(entries)-max] {
			if err := bucket.Delete(e.key); err != nil {
				return fmt.Errorf("failed to evict segment cache entry: %w", err)
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if evicted > 0 {
		s.logger.Debug("Segment cache pruned", "evicted", evicted, "max", max)
	}
	return evicted, nil
}
