package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
	"reviewsearch/config"
)

// CurrentSchemaVersion is the current schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 1

var (
	keySchemaVersion = []byte("schema_version")
	keyDimension     = []byte("dimension")
	keyConfigHash    = []byte("config_hash")
)

// SchemaInfo stores schema version, vector dimension and configuration hash.
type SchemaInfo struct {
	Version    int    `json:"version"`
	Dimension  int    `json:"dimension"`
	ConfigHash string `json:"config_hash"`
}

// GetSchemaInfo retrieves the current schema info from the database.
// A fresh database reports Version 0.
func (s *BoltStore) GetSchemaInfo() (*SchemaInfo, error) {
	var info SchemaInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)

		if data := b.Get(keySchemaVersion); data != nil {
			if err := json.Unmarshal(data, &info.Version); err != nil {
				return fmt.Errorf("corrupt schema version: %w", err)
			}
		}
		if data := b.Get(keyDimension); data != nil {
			if err := json.Unmarshal(data, &info.Dimension); err != nil {
				return fmt.Errorf("corrupt dimension: %w", err)
			}
		}
		if data := b.Get(keyConfigHash); data != nil {
			info.ConfigHash = string(data)
		}
		return nil
	})
	return &info, err
}

// SetSchemaInfo stores the schema info in the database.
func (s *BoltStore) SetSchemaInfo(info *SchemaInfo) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)

		versionData, err := json.Marshal(info.Version)
		if err != nil {
			return err
		}
		if err := b.Put(keySchemaVersion, versionData); err != nil {
			return err
		}
		dimData, err := json.Marshal(info.Dimension)
		if err != nil {
			return err
		}
		if err := b.Put(keyDimension, dimData); err != nil {
			return err
		}
		return b.Put(keyConfigHash, []byte(info.ConfigHash))
	})
}

// ComputeConfigHash computes a hash of the settings that shape the stored
// vectors. Partition tuning (sizes, fanout) is deliberately left out: the
// index adapts to those incrementally.
func ComputeConfigHash(cfg *config.Config) string {
	relevant := struct {
		Dimension   int    `json:"dimension"`
		EmbProvider string `json:"emb_provider"`
		EmbModel    string `json:"emb_model"`
		Analyzer    string `json:"analyzer,omitempty"`
	}{
		Dimension:   cfg.Index.Dimension,
		EmbProvider: cfg.Embedding.Provider,
		EmbModel:    cfg.Embedding.Model,
	}
	if cfg.Embedding.Provider == "hashing" {
		relevant.Analyzer = cfg.Embedding.Analyzer
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// MigrationResult describes the result of a migration check.
type MigrationResult struct {
	NeedsMigration bool
	// Incompatible means the stored vectors cannot be used with cfg.
	Incompatible bool
	// EmbedderChanged means the vectors fit but were produced by another
	// embedding setup, so search quality may suffer.
	EmbedderChanged bool
	OldVersion      int
	NewVersion      int
	Reason          string
}

// CheckMigration compares the stored schema with cfg.
func (s *BoltStore) CheckMigration(cfg *config.Config) (*MigrationResult, error) {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema info: %w", err)
	}

	result := &MigrationResult{
		OldVersion: info.Version,
		NewVersion: CurrentSchemaVersion,
	}

	switch {
	case info.Version == 0:
		result.NeedsMigration = true
		result.Reason = "initializing schema version"
		return result, nil
	case info.Version < CurrentSchemaVersion:
		result.NeedsMigration = true
		result.Reason = fmt.Sprintf("schema upgrade from v%d to v%d", info.Version, CurrentSchemaVersion)
	case info.Version > CurrentSchemaVersion:
		result.Incompatible = true
		result.Reason = fmt.Sprintf("database created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
		return result, nil
	}

	if info.Dimension != 0 && info.Dimension != cfg.Index.Dimension {
		result.Incompatible = true
		result.Reason = fmt.Sprintf("index built with dimension %d, configured dimension is %d", info.Dimension, cfg.Index.Dimension)
		return result, nil
	}

	if info.ConfigHash != "" && info.ConfigHash != ComputeConfigHash(cfg) {
		result.EmbedderChanged = true
		result.Reason = "embedding configuration changed"
	}

	return result, nil
}

// Migrate performs any necessary schema migrations and records cfg.
func (s *BoltStore) Migrate(cfg *config.Config) error {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return err
	}

	for v := info.Version; v < CurrentSchemaVersion; v++ {
		if err := s.runMigration(v, v+1); err != nil {
			return fmt.Errorf("migration from v%d to v%d failed: %w", v, v+1, err)
		}
	}

	return s.SetSchemaInfo(&SchemaInfo{
		Version:    CurrentSchemaVersion,
		Dimension:  cfg.Index.Dimension,
		ConfigHash: ComputeConfigHash(cfg),
	})
}

// runMigration runs a specific version migration.
func (s *BoltStore) runMigration(from, to int) error {
	switch {
	case from == 0 && to == 1:
		return s.db.Update(func(tx *bbolt.Tx) error {
			for _, name := range [][]byte{bucketRecords, bucketLayout, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return nil
	}
}

// Clear removes all records, the layout checkpoint and the embedder
// state. The id sequence is kept so that ids are not reused after a clear.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Delete([]byte(KeyEmbedderState)); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketRecords, bucketLayout} {
			seq := tx.Bucket(name).Sequence()
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			b, err := tx.CreateBucket(name)
			if err != nil {
				return err
			}
			if err := b.SetSequence(seq); err != nil {
				return err
			}
		}
		return nil
	})
}

// Prepare runs the migration check on open. Incompatible stores are
// refused.
func (s *BoltStore) Prepare(cfg *config.Config) (*MigrationResult, error) {
	result, err := s.CheckMigration(cfg)
	if err != nil {
		return nil, err
	}
	if result.Incompatible {
		return result, fmt.Errorf("incompatible index: %s", result.Reason)
	}
	if result.NeedsMigration || result.EmbedderChanged {
		if err := s.Migrate(cfg); err != nil {
			return result, err
		}
	}
	return result, nil
}
