package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/saltdispatch/pkg/config/configstore"
	"github.com/andrej220/saltdispatch/pkg/config/filestore"
	"github.com/andrej220/saltdispatch/pkg/config/mongostore"
	"github.com/go-playground/validator/v10"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrWatchUnsupported = configstore.ErrWatchUnsupported
)

// Config combines loading, saving and optional change notification.
type Config interface {
	configstore.ConfigStore
	Watch(ctx context.Context, onChange func()) error
}

type FileConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" validate:"required,uri"`
	DBName   string `yaml:"dbName" json:"dbName" validate:"required"`
	CollName string `yaml:"collName" json:"collName" validate:"required"`
	ID       string `yaml:"id" json:"id" validate:"required"` // Document ID
}

var validate = validator.New()

func NewStore(ctx context.Context, storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		if err := validate.Struct(fileCfg); err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		if err := validate.Struct(mongoCfg); err != nil {
			return nil, fmt.Errorf("mongo store: %w", err)
		}
		return mongostore.New(ctx, mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// Load reads the store into out and checks out's `validate` tags.
func Load(store configstore.ConfigStore, out any) error {
	if err := store.Load(out); err != nil {
		return err
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
