package repository

import (
	"fmt"

	"gorm.io/gorm"
)

func RowCount(db *gorm.DB, table string) (int64, error) {
	var count int64
	err := db.Table(table).Count(&count).Error
	return count, err
}

// TableChecksum computes an order-independent aggregate over the table:
// the sum of a 32-bit prefix of each row's md5. Row order cannot affect
// the result, so both sides can be scanned independently.
func TableChecksum(db *gorm.DB, table string) (int64, error) {
	var checksum int64
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(('x' || substr(md5(t::text), 1, 8))::bit(32)::bigint), 0)
		FROM %q t
	`, table)
	err := db.Raw(query).Scan(&checksum).Error
	return checksum, err
}

// SampleKeys draws a deterministic pseudo-random sample of primary keys:
// keys ordered by md5(key || seed). The same seed inspects the same keys
// on every run, which keeps difference reports reproducible.
func SampleKeys(db *gorm.DB, table, keyColumn, seed string, limit int) ([]string, error) {
	var keys []string
	query := fmt.Sprintf(
		`SELECT %q::text FROM %q ORDER BY md5(%q::text || ?) LIMIT ?`,
		keyColumn, table, keyColumn,
	)
	err := db.Raw(query, seed, limit).Scan(&keys).Error
	return keys, err
}

// RowHashes returns key -> md5(row) for the given keys. Keys absent from
// the table are absent from the map.
func RowHashes(db *gorm.DB, table, keyColumn string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	var rows []struct {
		Key  string
		Hash string
	}
	query := fmt.Sprintf(
		`SELECT %q::text AS key, md5(t::text) AS hash FROM %q t WHERE %q::text IN ?`,
		keyColumn, table, keyColumn,
	)
	err := db.Raw(query, keys).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(rows))
	for _, r := range rows {
		hashes[r.Key] = r.Hash
	}
	return hashes, nil
}
