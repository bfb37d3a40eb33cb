package image

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/manifest"
	"github.com/slipwayhq/slipway/internal/paths"
)

// layerEpoch is the timestamp stamped on every layer entry so that the
// same staged tree always produces the same blob.
var layerEpoch = time.Unix(0, 0).UTC()

// builtLayer describes a freshly written layer blob on disk.
type builtLayer struct {
	path       string
	descriptor ocispec.Descriptor
	diffID     digest.Digest
}

// buildLayer packs the staging directory into a gzipped layer blob in
// dir. Entries are normalized (root ownership, fixed timestamps, sorted
// names), and launcher entries are appended when the image spec carries
// a launcher. The descriptor's media type matches the manifest's
// existing layers.
func buildLayer(staging, dir, mediaType string, spec manifest.Image) (*builtLayer, error) {
	blob, err := os.CreateTemp(dir, "layer-*.tar.gz")
	if err != nil {
		return nil, errors.Wrap(err, "creating layer blob")
	}
	defer blob.Close()

	compressed := digest.Canonical.Digester()
	uncompressed := digest.Canonical.Digester()

	gz := gzip.NewWriter(io.MultiWriter(blob, compressed.Hash()))
	tw := tar.NewWriter(io.MultiWriter(gz, uncompressed.Hash()))

	if err := writeStagingEntries(tw, staging); err != nil {
		return nil, err
	}
	if spec.Launcher != nil {
		if err := writeLauncherEntries(tw, spec); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing layer tar")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing layer gzip")
	}

	info, err := blob.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "inspecting layer blob")
	}

	return &builtLayer{
		path: blob.Name(),
		descriptor: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    compressed.Digest(),
			Size:      info.Size(),
		},
		diffID: uncompressed.Digest(),
	}, nil
}

// writeStagingEntries walks the staging tree in lexical order and writes
// one tar entry per directory, file, and symlink. Staged paths map
// one-to-one onto image filesystem paths.
func writeStagingEntries(tw *tar.Writer, staging string) error {
	return filepath.WalkDir(staging, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(staging, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := entryName(filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  layerEpoch,
			})
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: link,
				Mode:     0o777,
				ModTime:  layerEpoch,
			})
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  layerEpoch,
			}); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			return err
		default:
			return errors.Errorf("unsupported file type %s in staging tree", info.Mode().Type())
		}
	})
}

// writeLauncherEntries appends the generated launcher script and, when a
// runtime data directory is declared, a symlink pointing it at the data
// volume.
func writeLauncherEntries(tw *tar.Writer, spec manifest.Image) error {
	launcher := spec.Launcher
	script := launcherScript(launcher, spec.Port)

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     entryName(launcher.Path),
		Mode:     int64(paths.DefaultExecMode),
		Size:     int64(len(script)),
		ModTime:  layerEpoch,
	}); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(script)); err != nil {
		return err
	}

	if launcher.DataDir != "" {
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     entryName(launcher.DataDir),
			Linkname: launcher.DataVolume,
			Mode:     0o777,
			ModTime:  layerEpoch,
		})
	}
	return nil
}

// launcherScript renders the shell script that starts the application.
// The script exports the port variable with a default so the published
// port can still be overridden at run time.
func launcherScript(launcher *manifest.Launcher, port int) string {
	var b strings.Builder

	b.WriteString("#!/bin/sh\nset -e\n")
	if port > 0 {
		fmt.Fprintf(&b, "\nexport %s=\"${%s:-%d}\"\n", launcher.PortEnv, launcher.PortEnv, port)
	}
	fmt.Fprintf(&b, "\nexec %s\n", launcher.Command)
	return b.String()
}

// entryName converts an absolute in-image path into a tar entry name.
func entryName(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// mergeEnviron overlays overrides onto a base KEY=VALUE environment.
// Existing keys are replaced in place and new keys are appended in
// sorted order, keeping the result stable across runs.
func mergeEnviron(base []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(base))

	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if value, ok := overrides[key]; ok {
			merged = append(merged, key+"="+value)
		} else {
			merged = append(merged, kv)
		}
		seen[key] = true
	}

	added := make([]string, 0, len(overrides))
	for key, value := range overrides {
		if !seen[key] {
			added = append(added, key+"="+value)
		}
	}
	sort.Strings(added)

	return append(merged, added...)
}
