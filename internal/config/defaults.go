package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	maxRetries     = 3
	retryDelay     = 2 * time.Second
	connectTimeout = 30 * time.Second
	lowSpeedLimit  = 0 // disabled
	lowSpeedWindow = 90 * time.Second
)

var (
	peerCacheDir    = filepath.Join(xdg.CacheHome, configFileName, "peercache")
	peerCacheDBPath = filepath.Join(xdg.CacheHome, configFileName, "peercache.db")
)
