package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/errdefs"
	goarchive "github.com/moby/go-archive"
)

// EnsureImage builds the agent image from the configured Dockerfile when the
// daemon does not have it yet. Without a Dockerfile it only checks presence.
func (d *Docker) EnsureImage(ctx context.Context) error {
	_, err := d.docker.ImageInspect(ctx, d.image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", d.image, err)
	}
	if d.dockerfile == "" {
		return fmt.Errorf("image %s not found and no dockerfile configured", d.image)
	}

	contextDir := filepath.Dir(d.dockerfile)
	tar, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	slog.Info("building agent image", "image", d.image, "dockerfile", d.dockerfile)
	resp, err := d.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{d.image},
		Dockerfile: filepath.Base(d.dockerfile),
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain the build output
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("agent image built", "image", d.image)
	return nil
}
