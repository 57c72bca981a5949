// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/elfgen/pkg/config"
)

const validManifest = `entry: main
functions:
- name: main
  code: "31 c0 c3"
`

func setupReloader(ctx context.Context, t *testing.T, filename string, reg prometheus.Registerer) chan *config.Config {
	t.Helper()

	reloadConfig := make(chan *config.Config, 1)
	reloaders := []config.ComponentReloader{
		{
			Name: "test",
			Reloader: func(cfg *config.Config) error {
				reloadConfig <- cfg
				return nil
			},
		},
	}

	cfgReloader, err := config.NewConfigReloader(log.NewNopLogger(), reg, filename, reloaders)
	require.NoError(t, err)

	go cfgReloader.Run(ctx)

	time.Sleep(time.Millisecond * 100)

	return reloadConfig
}

func TestReloadValid(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	filename := filepath.Join(t.TempDir(), "image.yaml")
	require.NoError(t, os.WriteFile(filename, nil, 0o644))
	reg := prometheus.NewRegistry()
	reloadConfig := setupReloader(ctx, t, filename, reg)

	require.NoError(t, os.WriteFile(filename, []byte(validManifest), 0o644))

	select {
	case cfg := <-reloadConfig:
		require.Equal(t, "main", cfg.Entry)
		require.Len(t, cfg.Functions, 1)
		require.Equal(t, config.HexBytes{0x31, 0xc0, 0xc3}, cfg.Functions[0].Code)
	case <-ctx.Done():
		t.Fatal("configuration reload timed out")
	}

	require.Eventually(t, func() bool {
		return gauge(t, reg, "elfgen_config_last_reload_successful") == 1
	}, time.Second, 10*time.Millisecond)
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

func TestReloadInvalid(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*300)
	defer cancel()

	filename := filepath.Join(t.TempDir(), "image.yaml")
	require.NoError(t, os.WriteFile(filename, nil, 0o644))
	reloadConfig := setupReloader(ctx, t, filename, prometheus.NewRegistry())

	require.NoError(t, os.WriteFile(filename, []byte("{"), 0o644))

	select {
	case <-reloadConfig:
		t.Error("invalid configuration was reloaded")
	case <-ctx.Done():
	}
}

func TestReloadUnchanged(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*300)
	defer cancel()

	filename := filepath.Join(t.TempDir(), "image.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(validManifest), 0o644))
	reloadConfig := setupReloader(ctx, t, filename, prometheus.NewRegistry())

	// Same content, new modification time.
	require.NoError(t, os.WriteFile(filename, []byte(validManifest), 0o644))

	select {
	case <-reloadConfig:
		t.Error("unchanged configuration was reloaded")
	case <-ctx.Done():
	}
}

func TestReloadSymlink(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tmpDir := t.TempDir()
	filenameOld := filepath.Join(tmpDir, "image_old.yaml")
	filenameNew := filepath.Join(tmpDir, "image_new.yaml")
	symlinkName := filepath.Join(tmpDir, "image.yaml")

	require.NoError(t, os.WriteFile(filenameOld, []byte("# nothing yet\n"), 0o644))
	require.NoError(t, os.Symlink(filenameOld, symlinkName))
	require.NoError(t, os.WriteFile(filenameNew, []byte(validManifest), 0o644))

	reloadConfig := setupReloader(ctx, t, symlinkName, prometheus.NewRegistry())

	// Swap the symlink atomically, the way configuration managers do.
	tmpLink := filepath.Join(tmpDir, "image.yaml.tmp")
	require.NoError(t, os.Symlink(filenameNew, tmpLink))
	require.NoError(t, os.Rename(tmpLink, symlinkName))

	select {
	case cfg := <-reloadConfig:
		require.Equal(t, "main", cfg.Entry)
	case <-ctx.Done():
		t.Fatal("configuration reload timed out")
	}
}
