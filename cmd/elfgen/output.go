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

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/elfgen/pkg/build"
	"github.com/parca-dev/elfgen/pkg/config"
)

const maxRenameElapsed = 5 * time.Second

// writeImage generates cfg next to path and moves the result into place, so
// a running copy of the previous image is never truncated.
func writeImage(ctx context.Context, logger log.Logger, b *build.Builder, cfg *config.Config, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name()) // No-op once renamed.

	w := bufio.NewWriter(tmp)
	img, err := b.Generate(ctx, cfg, w)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to make %s executable: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}

	if err := replace(ctx, tmp.Name(), path); err != nil {
		return err
	}

	level.Info(logger).Log(
		"msg", "image written",
		"path", path,
		"size", humanize.IBytes(img.Size()),
		"digest", fmt.Sprintf("%016x", img.Digest()),
	)
	return nil
}

// replace renames src over dst, retrying while dst is busy.
func replace(ctx context.Context, src, dst string) error {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = 10 * time.Millisecond
	expBackOff.MaxElapsedTime = maxRenameElapsed

	err := backoff.Retry(func() error {
		err := os.Rename(src, dst)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.ETXTBSY) || errors.Is(err, syscall.EBUSY) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(expBackOff, ctx))
	if err != nil {
		return fmt.Errorf("failed to move image to %s: %w", dst, err)
	}
	return nil
}
