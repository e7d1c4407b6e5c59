package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/perimeter-tech/devicegate/core/csql"
)

const postgresSnapshotKey = "devices"

// Postgres stores the snapshot as a single row in a postgres table.
// The upsert replaces the whole snapshot, which matches the
// read-modify-write model of the registry.
type Postgres struct {
	db *csql.DB
}

// NewPostgres returns a new Postgres store. The snapshot relation is
// created if it does not exist yet.
func NewPostgres(db *csql.DB) (*Postgres, error) {
	if db == nil {
		return nil, fmt.Errorf("DB is missing")
	}
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_snapshot_"
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Load reads the snapshot row.
func (p *Postgres) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM `+p.db.Schema+`."_snapshot_" WHERE key=$1;`,
		postgresSnapshotKey).Scan(&data)
	if err == csql.ErrNoRows {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read snapshot: %s", err.Error())
	}
	return data, nil
}

// Save upserts the snapshot row.
func (p *Postgres) Save(ctx context.Context, data []byte) error {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."_snapshot_"(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		postgresSnapshotKey, string(data), now)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write snapshot")
	}
	return nil
}
