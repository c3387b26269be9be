package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/adrg/xdg"

	cfg "github.com/otakit/otakit/internal/config"
)

func withTempConfigHome(t *testing.T) (restore func(), dir string, file string) {
	t.Helper()
	orig := xdg.ConfigHome
	dir = t.TempDir()
	xdg.ConfigHome = dir
	restore = func() { xdg.ConfigHome = orig }
	file = filepath.Join(dir, "otakit")
	return
}

func TestGetConfig_Table(t *testing.T) {
	restore, _, cfgFile := withTempConfigHome(t)
	defer restore()

	def := cfg.DefaultConfig()

	tests := []struct {
		name      string
		preWrite  bool
		contents  string
		expectErr bool
		check     func(t *testing.T, got *cfg.Config, def cfg.Config)
	}{
		{
			name:     "missing_file_returns_defaults",
			preWrite: false,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:     "empty_file_returns_defaults",
			preWrite: true,
			contents: "",
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:      "invalid_yaml_returns_error",
			preWrite:  true,
			contents:  ": not yaml",
			expectErr: true,
			check:     func(t *testing.T, _ *cfg.Config, _ cfg.Config) {},
		},
		{
			name:     "no_subconfigs_uses_defaults_for_nested",
			preWrite: true,
			contents: "peerCache:\n  dir: /var/cache/otakit\n",
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.PeerCache.Dir != "/var/cache/otakit" {
					t.Fatalf("peerCache.dir not applied, got %q", got.PeerCache.Dir)
				}
				// Fetcher should fall back to defaults when nil in file
				if !reflect.DeepEqual(*got.Fetcher, *def.Fetcher) {
					t.Fatalf("fetcher defaults not applied\nwant: %#v\ngot:  %#v", *def.Fetcher, *got.Fetcher)
				}
			},
		},
		{
			name:     "partial_override_and_fallback",
			preWrite: true,
			contents: `
fetcher:
  maxRetries: 9
  retryDelay: 3s
peerCache:
  dbPath: /tmp/peercache.db
`,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				// fetcher overrides
				if got.Fetcher.MaxRetries != 9 {
					t.Fatalf("want fetcher.maxRetries=9 got %d", got.Fetcher.MaxRetries)
				}
				if got.Fetcher.RetryDelay != 3*time.Second {
					t.Fatalf("want fetcher.retryDelay=3s got %s", got.Fetcher.RetryDelay)
				}
				// fetcher fallbacks
				if got.Fetcher.ConnectTimeout != def.Fetcher.ConnectTimeout {
					t.Fatalf("want fetcher.connectTimeout default %s got %s", def.Fetcher.ConnectTimeout, got.Fetcher.ConnectTimeout)
				}
				if got.Fetcher.LowSpeedWindow != def.Fetcher.LowSpeedWindow {
					t.Fatalf("want fetcher.lowSpeedWindow default %s got %s", def.Fetcher.LowSpeedWindow, got.Fetcher.LowSpeedWindow)
				}
				// peerCache override and fallback
				if got.PeerCache.DBPath != "/tmp/peercache.db" {
					t.Fatalf("want peerCache.dbPath=/tmp/peercache.db got %q", got.PeerCache.DBPath)
				}
				if got.PeerCache.Dir != def.PeerCache.Dir {
					t.Fatalf("want peerCache.dir default %q got %q", def.PeerCache.Dir, got.PeerCache.Dir)
				}
			},
		},
		{
			name:     "explicit_zero_values_fall_back_to_defaults",
			preWrite: true,
			contents: `
fetcher:
  maxRetries: 0
  retryDelay: 0s
  connectTimeout: 0s
peerCache:
  dir: ""
`,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.Fetcher.MaxRetries != def.Fetcher.MaxRetries {
					t.Fatalf("fetcher.maxRetries zero should fallback. want %d got %d", def.Fetcher.MaxRetries, got.Fetcher.MaxRetries)
				}
				if got.Fetcher.RetryDelay != def.Fetcher.RetryDelay {
					t.Fatalf("fetcher.retryDelay zero should fallback. want %s got %s", def.Fetcher.RetryDelay, got.Fetcher.RetryDelay)
				}
				if got.Fetcher.ConnectTimeout != def.Fetcher.ConnectTimeout {
					t.Fatalf("fetcher.connectTimeout zero should fallback. want %s got %s", def.Fetcher.ConnectTimeout, got.Fetcher.ConnectTimeout)
				}
				if got.PeerCache.Dir != def.PeerCache.Dir {
					t.Fatalf("peerCache.dir zero should fallback. want %q got %q", def.PeerCache.Dir, got.PeerCache.Dir)
				}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			// clean start each subtest
			_ = os.Remove(cfgFile)
			if tc.preWrite {
				if err := os.WriteFile(cfgFile, []byte(tc.contents), 0o600); err != nil {
					t.Fatalf("write test config: %v", err)
				}
			}
			got, err := cfg.GetConfig()
			if tc.expectErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetConfig error: %v", err)
			}
			tc.check(t, got, def)
		})
	}
}

func TestDefaultConfig_NonNilPointers(t *testing.T) {
	d := cfg.DefaultConfig()
	if d.Fetcher == nil {
		t.Fatalf("DefaultConfig.Fetcher is nil")
	}
	if d.PeerCache == nil {
		t.Fatalf("DefaultConfig.PeerCache is nil")
	}
}
