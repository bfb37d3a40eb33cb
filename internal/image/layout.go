package image

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/paths"
)

// layout reads blobs from an OCI image layout rooted at a directory.
type layout struct {
	root string
}

// openBase opens a base image given either a layout directory or a tar
// archive of one. Archives are unpacked into a temporary directory; the
// returned cleanup func removes it and is a no-op for directories.
func openBase(path string) (*layout, func(), error) {
	noop := func() {}

	info, err := os.Stat(path)
	if err != nil {
		return nil, noop, errors.Wrapf(ErrBaseUnavailable, "%v", err)
	}

	if info.IsDir() {
		return &layout{root: path}, noop, nil
	}

	tmp, err := os.MkdirTemp("", "slipway-base-")
	if err != nil {
		return nil, noop, errors.Wrap(err, "creating unpack directory")
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	if err := unpackArchive(tmp, path); err != nil {
		cleanup()
		return nil, noop, errors.Wrapf(ErrBaseUnavailable, "unpacking %s: %v", path, err)
	}
	return &layout{root: tmp}, cleanup, nil
}

// index reads the layout's top-level index.json.
func (l *layout) index() (ocispec.Index, error) {
	var idx ocispec.Index

	data, err := os.ReadFile(filepath.Join(l.root, ocispec.ImageIndexFile))
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, errors.Wrap(err, "parsing image index")
	}
	return idx, nil
}

// blobPath returns the filesystem path of a blob within the layout.
func (l *layout) blobPath(dgst digest.Digest) string {
	return filepath.Join(l.root, ocispec.ImageBlobsDir, dgst.Algorithm().String(), dgst.Encoded())
}

// readBlob reads a blob and verifies it against the descriptor's digest.
func (l *layout) readBlob(desc ocispec.Descriptor) ([]byte, error) {
	data, err := os.ReadFile(l.blobPath(desc.Digest))
	if err != nil {
		return nil, err
	}
	if dgst := desc.Digest.Algorithm().FromBytes(data); dgst != desc.Digest {
		return nil, errors.Errorf("blob %s content does not match its digest", desc.Digest)
	}
	return data, nil
}

// readManifest reads and decodes an image manifest blob.
func (l *layout) readManifest(desc ocispec.Descriptor) (ocispec.Manifest, error) {
	var manifest ocispec.Manifest

	data, err := l.readBlob(desc)
	if err != nil {
		return manifest, err
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, errors.Wrap(err, "parsing image manifest")
	}
	return manifest, nil
}

// readIndex reads and decodes a nested image index blob.
func (l *layout) readIndex(desc ocispec.Descriptor) (ocispec.Index, error) {
	var idx ocispec.Index

	data, err := l.readBlob(desc)
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, errors.Wrap(err, "parsing image index")
	}
	return idx, nil
}

// readConfig reads and decodes an image config blob.
func (l *layout) readConfig(desc ocispec.Descriptor) (ocispec.Image, error) {
	var config ocispec.Image

	data, err := l.readBlob(desc)
	if err != nil {
		return config, err
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, errors.Wrap(err, "parsing image config")
	}
	return config, nil
}

// unpackArchive extracts an image archive into dest. Archives are plain
// tar, with a gzip layer tolerated on top.
func unpackArchive(dest, archive string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var src io.Reader = br
	if isGzip(br) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, paths.DefaultDirMode); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
				return err
			}
			if err := writeRegular(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			return errors.Errorf("unsupported entry type %q for %q", hdr.Typeflag, hdr.Name)
		}
	}
}

func writeRegular(target string, src io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeJoin joins an archive entry name onto dest, rejecting names that
// would escape it.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("archive entry %q escapes the unpack directory", name)
	}
	return filepath.Join(dest, cleaned), nil
}

func isGzip(r *bufio.Reader) bool {
	magic, err := r.Peek(2)
	return err == nil && magic[0] == 0x1f && magic[1] == 0x8b
}
