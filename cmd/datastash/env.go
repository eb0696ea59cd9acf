package main

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"datastash/internal/fs"
	"datastash/internal/hash"
	"datastash/internal/odb"
	"datastash/internal/state"
	"datastash/internal/util"
)

const dataDir = ".datastash"

// envConfig is persisted next to the cache so later invocations address
// objects with the same algorithm the database was created with.
type envConfig struct {
	HashName string `json:"hash_name"`
}

// env bundles the object database and state cache a command operates
// on.
type env struct {
	fsys  *fs.OSFS
	cache *odb.LocalDB
	state *state.State
}

// openEnv opens (creating if needed) the local database rooted at
// cacheDir, or <cwd>/.datastash when cacheDir is empty.
func openEnv(cacheDir, hashName string) (*env, error) {
	if cacheDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cacheDir = filepath.Join(cwd, dataDir)
	}
	fsys := fs.NewOSFS()
	if err := fsys.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}

	cfgPath := filepath.Join(cacheDir, "config.json")
	var cfg envConfig
	_ = util.ReadJSON(fsys, cfgPath, &cfg)
	if hashName == "" {
		hashName = cfg.HashName
	}
	if hashName == "" {
		hashName = hash.DefaultAlgorithm
	}
	if cfg.HashName != hashName {
		if err := util.WriteJSON(fsys, cfgPath, envConfig{HashName: hashName}); err != nil {
			return nil, err
		}
	}

	st, err := state.Open(filepath.Join(cacheDir, "state.db"))
	if err != nil {
		return nil, err
	}

	cache := odb.NewLocalDB(fsys, filepath.Join(cacheDir, "cache"), odb.Config{
		HashName: hashName,
		State:    st,
	})
	return &env{fsys: fsys, cache: cache, state: st}, nil
}

func (e *env) Close() {
	if err := e.state.Close(); err != nil {
		logrus.WithError(err).Debug("failed to close state database")
	}
}
