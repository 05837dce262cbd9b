package configstore

import "errors"

// ErrWatchUnsupported is returned by stores that cannot report changes.
var ErrWatchUnsupported = errors.New("watch not supported by this store")

type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}
