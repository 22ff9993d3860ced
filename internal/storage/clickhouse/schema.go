package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const schemaVersion = "2.0.0"

// InitializeSchema creates the sketch tables if they don't exist and checks
// that an existing database was created by a compatible version.
func InitializeSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, schemaVersionTableDDL); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion, err := getCurrentSchemaVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	if currentVersion != "" && currentVersion != schemaVersion {
		return fmt.Errorf("schema version mismatch: database has %s, code expects %s", currentVersion, schemaVersion)
	}

	if err := conn.Exec(ctx, sketchesTableDDL); err != nil {
		return fmt.Errorf("creating table sketches: %w", err)
	}

	if currentVersion == "" {
		if err := conn.Exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("setting schema version: %w", err)
		}
	}

	return nil
}

func getCurrentSchemaVersion(ctx context.Context, conn driver.Conn) (string, error) {
	var version string
	row := conn.QueryRow(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1")
	if err := row.Scan(&version); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return version, nil
}

const schemaVersionTableDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version String,
    applied_at DateTime64(3) DEFAULT now64(3)
) ENGINE = MergeTree()
ORDER BY applied_at
`

// Latest snapshot per name wins on merge; reads use FINAL.
const sketchesTableDDL = `
CREATE TABLE IF NOT EXISTS sketches (
    name String,
    variant LowCardinality(String),
    precision UInt8,
    hash LowCardinality(String),

    -- codec-encoded [precision][registers...]
    data String,
    raw_size UInt32,

    updated_at DateTime64(9)
) ENGINE = ReplacingMergeTree(updated_at)
ORDER BY name
SETTINGS index_granularity = 8192
`
