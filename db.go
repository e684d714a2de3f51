package FayLSM

import (
	"context"

	"github.com/Kirov7/FayLSM/lsm"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type KvAPI interface {
	Set(data *utils.Entry) error
	Get(key []byte) (*utils.Entry, error)
	Del(key []byte) error
	Info() *Stats
	NewIterator(opt *utils.Options) (utils.Iterator, error)
	Close() error
}

var _ KvAPI = (*DB)(nil)

type DB struct {
	opt      Options
	lsm      *lsm.LSM
	log      *zap.SugaredLogger
	registry *prometheus.Registry
}

// Stats describe the open database.
type Stats struct {
	Tables     int    // live table files
	TableBytes uint64 // their total size
	OpenTables int    // tables held open by the table cache
}

// Open opens or creates the database described by opt.
func Open(opt Options) (*DB, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(opt.Logger)
	if err != nil {
		return nil, err
	}
	return OpenWithLogger(opt, logger.Sugar())
}

// OpenWithLogger is Open with a caller supplied logger.
func OpenWithLogger(opt Options, logger *zap.SugaredLogger) (*DB, error) {
	db := &DB{
		opt:      opt,
		log:      logger,
		registry: prometheus.NewRegistry(),
	}
	l, err := lsm.NewLSM(opt.lsmOptions(logger, db.registry))
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s", opt.WorkDir)
	}
	db.lsm = l
	if opt.Preload {
		if err := l.Preload(context.Background()); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	logger.Infow("database opened", "dir", opt.WorkDir, "tables", len(l.Files()))
	return db, nil
}

func (db *DB) Set(data *utils.Entry) error {
	return db.lsm.Set(data)
}

func (db *DB) Get(key []byte) (*utils.Entry, error) {
	return db.lsm.Get(key)
}

func (db *DB) Del(key []byte) error {
	return db.lsm.Delete(key)
}

func (db *DB) Info() *Stats {
	s := &Stats{OpenTables: db.lsm.TableCache().Len()}
	for _, f := range db.lsm.Files() {
		s.Tables++
		s.TableBytes += f.Meta.FileSize
	}
	return s
}

func (db *DB) NewIterator(opt *utils.Options) (utils.Iterator, error) {
	return db.lsm.NewIterator(opt)
}

// Flush writes buffered writes to a table.
func (db *DB) Flush() error {
	return db.lsm.Flush()
}

// Registry holds the database metrics.
func (db *DB) Registry() *prometheus.Registry {
	return db.registry
}

// LSM exposes the storage engine.
func (db *DB) LSM() *lsm.LSM {
	return db.lsm
}

func (db *DB) Close() error {
	err := db.lsm.Close()
	_ = db.log.Sync()
	return err
}
