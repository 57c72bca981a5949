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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// settle is how long the reloader waits for a burst of file events to end
// before reading the file.
const settle = 50 * time.Millisecond

// ComponentReloader is called with every new valid configuration.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

// ConfigReloader watches a manifest and hands every changed, valid version
// of it to the registered reloaders.
type ConfigReloader struct {
	logger    log.Logger
	filename  string
	reloaders []ComponentReloader
	watcher   *fsnotify.Watcher

	lastHash uint64

	lastReloadSuccessful prometheus.Gauge
	lastReloadSuccess    prometheus.Gauge
	reloadsTotal         *prometheus.CounterVec
}

// NewConfigReloader creates a reloader for filename. The directory of the
// file is watched so that replacing the file or a symlink to it is seen.
func NewConfigReloader(logger log.Logger, reg prometheus.Registerer, filename string, reloaders []ComponentReloader) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(filename)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	r := &ConfigReloader{
		logger:    log.With(logger, "component", "config_reloader"),
		filename:  filename,
		reloaders: reloaders,
		watcher:   watcher,
		lastReloadSuccessful: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "elfgen_config_last_reload_successful",
			Help: "Whether the last configuration reload attempt was successful.",
		}),
		lastReloadSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "elfgen_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful configuration reload.",
		}),
		reloadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "elfgen_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		}, []string{"result"}),
	}
	if b, err := os.ReadFile(filename); err == nil {
		r.lastHash = xxhash.Sum64(b)
	}
	return r, nil
}

// Run watches the file until ctx is done.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-r.watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			level.Debug(r.logger).Log("msg", "file event", "file", event.Name, "op", event.Op.String())
			timer.Reset(settle)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			level.Warn(r.logger).Log("msg", "file watcher error", "err", err)
		case <-timer.C:
			r.reload()
		}
	}
}

func (r *ConfigReloader) reload() {
	b, err := os.ReadFile(r.filename)
	if err != nil {
		r.fail("failed to read config", err)
		return
	}
	hash := xxhash.Sum64(b)
	if hash == r.lastHash {
		return
	}

	cfg, err := Load(b)
	if err != nil {
		r.fail("failed to load config", err)
		return
	}
	r.lastHash = hash

	for _, c := range r.reloaders {
		if err := c.Reloader(cfg); err != nil {
			r.fail("failed to reload component", err, "component", c.Name)
			return
		}
	}

	r.lastReloadSuccessful.Set(1)
	r.lastReloadSuccess.SetToCurrentTime()
	r.reloadsTotal.WithLabelValues("success").Inc()
	level.Info(r.logger).Log("msg", "config reloaded", "file", r.filename)
}

func (r *ConfigReloader) fail(msg string, err error, keyvals ...interface{}) {
	r.lastReloadSuccessful.Set(0)
	r.reloadsTotal.WithLabelValues("failure").Inc()
	level.Error(r.logger).Log(append([]interface{}{"msg", msg, "file", r.filename, "err", err}, keyvals...)...)
}
