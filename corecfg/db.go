package corecfg

import (
	"errors"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultDBFilename is the file name of the wallet store.
	DefaultDBFilename = "wallets.db"
)

// DB holds the wallet store configuration.
//
//nolint:ll
type DB struct {
	FileName string `long:"filename" description:"The file name of the wallet store inside the data directory."`

	Bolt *kvdb.BoltConfig `group:"bolt" namespace:"bolt" description:"Bolt settings."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		FileName: DefaultDBFilename,
		Bolt: &kvdb.BoltConfig{
			NoFreelistSync:    true,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         kvdb.DefaultDBTimeout,
		},
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.FileName == "" {
		return errors.New("db.filename must be set")
	}
	if db.Bolt == nil {
		return errors.New("db.bolt must be set")
	}

	return nil
}

// GetBackend opens the bolt backed wallet store inside dbPath.
func (db *DB) GetBackend(dbPath string) (kvdb.Backend, error) {
	return kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbPath,
		DBFileName:        db.FileName,
		NoFreelistSync:    db.Bolt.NoFreelistSync,
		AutoCompact:       db.Bolt.AutoCompact,
		AutoCompactMinAge: db.Bolt.AutoCompactMinAge,
		DBTimeout:         db.Bolt.DBTimeout,
	})
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
