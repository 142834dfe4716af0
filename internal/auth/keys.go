// Package auth validates API keys presented to the HTTP front end.
package auth

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultKeysFile is the JSON array of keys read from the working directory.
const DefaultKeysFile = "api_keys.json"

// Config lists statically configured keys and the optional keys file.
type Config struct {
	Keys []string
	File string
}

// Keyring is the union of configured keys and the keys file. The file is
// re-read whenever its modification time changes. An empty keyring denies
// every key.
type Keyring struct {
	static map[string]struct{}
	file   string
	logger *zap.Logger

	mu       sync.Mutex
	mtime    time.Time
	fileKeys map[string]struct{}
}

// New creates a Keyring.
func New(cfg Config, logger *zap.Logger) *Keyring {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keyring{
		static: toSet(cfg.Keys),
		file:   cfg.File,
		logger: logger.Named("auth"),
	}
}

// Valid reports whether key is known.
func (k *Keyring) Valid(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := k.static[key]; ok {
		return true
	}
	_, ok := k.load()[key]
	return ok
}

// Size is the number of distinct keys currently accepted.
func (k *Keyring) Size() int {
	n := len(k.static)
	for key := range k.load() {
		if _, dup := k.static[key]; !dup {
			n++
		}
	}
	return n
}

func (k *Keyring) load() map[string]struct{} {
	if k.file == "" {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	info, err := os.Stat(k.file)
	if err != nil {
		if !os.IsNotExist(err) {
			k.logger.Warn("stat keys file failed", zap.String("file", k.file), zap.Error(err))
		}
		k.fileKeys, k.mtime = nil, time.Time{}
		return nil
	}
	if info.ModTime().Equal(k.mtime) && len(k.fileKeys) > 0 {
		return k.fileKeys
	}

	raw, err := os.ReadFile(k.file)
	if err != nil {
		k.logger.Warn("read keys file failed", zap.String("file", k.file), zap.Error(err))
		k.fileKeys = nil
		return nil
	}
	var entries []any
	if err := json.Unmarshal(raw, &entries); err != nil {
		k.logger.Warn("keys file is not a JSON array", zap.String("file", k.file), zap.Error(err))
		k.fileKeys = nil
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if s, ok := entry.(string); ok {
			keys = append(keys, s)
		}
	}
	k.fileKeys = toSet(keys)
	k.mtime = info.ModTime()
	k.logger.Debug("keys file loaded", zap.Int("keys", len(k.fileKeys)))
	return k.fileKeys
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}
