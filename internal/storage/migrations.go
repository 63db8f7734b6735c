package storage

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// migration is one numbered, idempotent schema change, applied inside
// the same transaction that opens the database. The list is
// append-only; the applied set is recorded as a version sentinel in
// the meta bucket.
type migration struct {
	version uint64
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{version: 1, apply: func(tx *bolt.Tx) error { return nil }}, // buckets already created by Open
}

func applyMigrations(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMeta)
	current := schemaVersion(meta)

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(tx); err != nil {
			return err
		}
		if err := putSchemaVersion(meta, m.version); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(meta *bolt.Bucket) uint64 {
	v := meta.Get(metaKeySchemaVersion)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putSchemaVersion(meta *bolt.Bucket, version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return meta.Put(metaKeySchemaVersion, buf)
}
