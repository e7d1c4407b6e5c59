/*Package snapshot provides durable storage for the device registry.

A Store persists the registry as one opaque snapshot blob. There are
currently three drivers: a local file with atomic rename-on-write, a
postgres table and AWS S3.
*/
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/perimeter-tech/devicegate/core/csql"
)

// ErrNotExist is returned by Load when no snapshot has been written
// yet.
var ErrNotExist = errors.New("snapshot does not exist")

// Store loads and saves the registry snapshot. Save must replace the
// previous snapshot as a whole; callers serialize their Save calls.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// DriverType represents the different types of snapshot drivers
type DriverType string

// DriverTypeFile is the local filesystem implementation of the snapshot store
const DriverTypeFile DriverType = "File"

// DriverTypePostgres is the postgres implementation of the snapshot store
const DriverTypePostgres DriverType = "Postgres"

// DriverTypeAWSS3 is the AWS S3 implementation of the snapshot store
const DriverTypeAWSS3 DriverType = "AWSS3"

// Configuration contains the configuration for the snapshot store
type Configuration struct {
	DriverType DriverType
	// File is the snapshot file path for DriverTypeFile.
	File string
	// DB is the database for DriverTypePostgres.
	DB *csql.DB
	// S3 is the configuration for DriverTypeAWSS3.
	S3 *S3Configuration
}

// New creates the snapshot store for the configured driver.
func New(cfg Configuration) (Store, error) {
	switch cfg.DriverType {
	case DriverTypeFile:
		return NewFile(cfg.File)
	case DriverTypePostgres:
		return NewPostgres(cfg.DB)
	case DriverTypeAWSS3:
		if cfg.S3 == nil {
			return nil, fmt.Errorf("S3 configuration missing")
		}
		return NewS3(*cfg.S3)
	}
	return nil, fmt.Errorf("unknown snapshot driver %q", cfg.DriverType)
}
