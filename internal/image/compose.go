package image

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/platforms"
	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/manifest"
	"github.com/slipwayhq/slipway/internal/paths"
)

// archiveName is the filename of the composed image archive inside the
// output directory.
const archiveName = "image.tar"

// Composer assembles a runtime image from a base image and the staged
// artifact tree.
//
// Base points at an OCI image layout directory or an archive of one.
// Staging is the directory produced by artifact selection. Spec is the
// image section of a validated manifest. RefName, when set, is recorded
// as the image reference annotation on the output index.
type Composer struct {
	Base    string
	Staging string
	Output  string
	Spec    manifest.Image
	RefName string
}

// Summary describes a composed image archive.
type Summary struct {
	Path     string `json:"path"`
	Digest   string `json:"digest"`
	Size     int64  `json:"size"`
	Platform string `json:"platform"`
	Layers   int    `json:"layers"`
}

// Compose builds the output image archive and returns its summary.
//
// The staged tree becomes a single new layer on top of the base image's
// layers, which are copied through byte for byte. The image config is
// rewritten with the spec's environment, entrypoint, working directory,
// and exposed port, and the given annotations are recorded on both the
// manifest and the config labels. Nothing is written before the staging
// directory and the base image have both been verified.
func (c *Composer) Compose(ctx context.Context, annotations map[string]string) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	staged, err := countStaged(c.Staging)
	if err != nil {
		return nil, errors.Wrap(err, "inspecting staging directory")
	}
	if staged == 0 {
		return nil, errors.Wrapf(ErrStagingEmpty, "%s", c.Staging)
	}

	base, cleanup, err := openBase(c.Base)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	target, err := c.platform()
	if err != nil {
		return nil, err
	}

	idx, err := base.index()
	if err != nil {
		return nil, errors.Wrapf(ErrBaseUnavailable, "%v", err)
	}
	manifestDesc, err := pickManifest(base, idx, platforms.OnlyStrict(target))
	if err != nil {
		return nil, errors.Wrapf(ErrBaseUnavailable, "%v", err)
	}
	img, err := base.readManifest(manifestDesc)
	if err != nil {
		return nil, errors.Wrapf(ErrBaseUnavailable, "%v", err)
	}
	config, err := base.readConfig(img.Config)
	if err != nil {
		return nil, errors.Wrapf(ErrBaseUnavailable, "%v", err)
	}
	for _, layer := range img.Layers {
		if _, err := os.Stat(base.blobPath(layer.Digest)); err != nil {
			return nil, errors.Wrapf(ErrBaseUnavailable, "layer %s: %v", layer.Digest, err)
		}
	}

	if err := os.MkdirAll(c.Output, paths.DefaultDirMode); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}

	layer, err := buildLayer(c.Staging, c.Output, layerMediaType(img), c.Spec)
	if err != nil {
		return nil, err
	}
	defer os.Remove(layer.path)

	if err := c.mutate(&img, &config, layer, annotations); err != nil {
		return nil, err
	}

	configBytes, err := json.Marshal(config)
	if err != nil {
		return nil, errors.Wrap(err, "encoding image config")
	}
	img.Config = ocispec.Descriptor{
		MediaType: img.Config.MediaType,
		Digest:    digest.FromBytes(configBytes),
		Size:      int64(len(configBytes)),
	}

	manifestBytes, err := json.Marshal(img)
	if err != nil {
		return nil, errors.Wrap(err, "encoding image manifest")
	}
	entry := ocispec.Descriptor{
		MediaType: manifestMediaType(manifestDesc, img),
		Digest:    digest.FromBytes(manifestBytes),
		Size:      int64(len(manifestBytes)),
		Platform: &ocispec.Platform{
			OS:           config.OS,
			Architecture: config.Architecture,
			Variant:      config.Variant,
		},
	}
	if c.RefName != "" {
		entry.Annotations = map[string]string{ocispec.AnnotationRefName: c.RefName}
	}

	blobs := make([]archiveBlob, 0, len(img.Layers)+2)
	for _, desc := range img.Layers[:len(img.Layers)-1] {
		blobs = append(blobs, archiveBlob{desc: desc, path: base.blobPath(desc.Digest)})
	}
	blobs = append(blobs,
		archiveBlob{desc: layer.descriptor, path: layer.path},
		archiveBlob{desc: img.Config, data: configBytes},
		archiveBlob{desc: entry, data: manifestBytes},
	)

	outIndex := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{entry},
	}

	outputPath := filepath.Join(c.Output, archiveName)
	if err := writeArchive(outputPath, outIndex, blobs); err != nil {
		return nil, err
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, errors.Wrap(err, "inspecting image archive")
	}

	summary := &Summary{
		Path:     outputPath,
		Digest:   entry.Digest.String(),
		Size:     info.Size(),
		Platform: platforms.Format(*entry.Platform),
		Layers:   len(img.Layers),
	}
	slog.Info("image composed",
		"path", summary.Path,
		"platform", summary.Platform,
		"digest", summary.Digest,
		"size", humanize.Bytes(uint64(summary.Size)),
	)
	return summary, nil
}

// platform returns the platform to select from the base image, falling
// back to the host platform when the spec does not name one.
func (c *Composer) platform() (ocispec.Platform, error) {
	if c.Spec.Platform == "" {
		return platforms.DefaultSpec(), nil
	}
	p, err := platforms.Parse(c.Spec.Platform)
	if err != nil {
		return ocispec.Platform{}, errors.Wrapf(err, "parsing platform %q", c.Spec.Platform)
	}
	return p, nil
}

// mutate applies the spec's runtime settings and the run annotations to
// the manifest and config in place, including the new layer references.
func (c *Composer) mutate(img *ocispec.Manifest, config *ocispec.Image, layer *builtLayer, annotations map[string]string) error {
	img.Layers = append(img.Layers, layer.descriptor)
	config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, layer.diffID)

	config.Config.Env = mergeEnviron(config.Config.Env, c.Spec.Environment())

	entrypoint, err := c.entrypoint()
	if err != nil {
		return err
	}
	config.Config.Entrypoint = entrypoint
	config.Config.Cmd = nil

	if c.Spec.Workdir != "" {
		config.Config.WorkingDir = c.Spec.Workdir
	}
	if c.Spec.Port > 0 {
		if config.Config.ExposedPorts == nil {
			config.Config.ExposedPorts = make(map[string]struct{}, 1)
		}
		config.Config.ExposedPorts[fmt.Sprintf("%d/tcp", c.Spec.Port)] = struct{}{}
	}

	for key, value := range annotations {
		if img.Annotations == nil {
			img.Annotations = make(map[string]string, len(annotations))
		}
		img.Annotations[key] = value
		if config.Config.Labels == nil {
			config.Config.Labels = make(map[string]string, len(annotations))
		}
		config.Config.Labels[key] = value
	}
	return nil
}

// entrypoint derives the image entrypoint from the spec. A launcher
// takes precedence; otherwise the entrypoint string is split into argv
// with shell quoting rules.
func (c *Composer) entrypoint() ([]string, error) {
	if c.Spec.Launcher != nil {
		return []string{c.Spec.Launcher.Path}, nil
	}
	args, err := shlex.Split(c.Spec.Entrypoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing entrypoint %q", c.Spec.Entrypoint)
	}
	return args, nil
}

// pickManifest selects the manifest matching the target platform from
// an image index. A single nested index is unwrapped first. Manifests
// with an explicit platform are preferred; platform-less entries are
// probed through their config. When nothing matches, the first entry is
// used.
func pickManifest(l *layout, idx ocispec.Index, target platforms.Matcher) (ocispec.Descriptor, error) {
	descs := idx.Manifests
	if len(descs) == 1 && images.IsIndexType(descs[0].MediaType) {
		nested, err := l.readIndex(descs[0])
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		descs = nested.Manifests
	}
	if len(descs) == 0 {
		return ocispec.Descriptor{}, errors.New("image index has no manifests")
	}

	for _, desc := range descs {
		if desc.Platform != nil && target.Match(*desc.Platform) {
			return desc, nil
		}
	}
	for _, desc := range descs {
		if desc.Platform != nil {
			continue
		}
		if p, ok := configPlatform(l, desc); ok && target.Match(p) {
			return desc, nil
		}
	}
	return descs[0], nil
}

// configPlatform reads the platform of a manifest through its config,
// for index entries that do not declare one.
func configPlatform(l *layout, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	img, err := l.readManifest(desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := l.readConfig(img.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// layerMediaType returns the layer media type matching the manifest's
// family, so Docker-typed bases keep Docker-typed layers.
func layerMediaType(img ocispec.Manifest) string {
	if img.Config.MediaType == images.MediaTypeDockerSchema2Config {
		return images.MediaTypeDockerSchema2LayerGzip
	}
	return ocispec.MediaTypeImageLayerGzip
}

// manifestMediaType returns the media type for the rewritten manifest,
// carrying the base's type through when it declares one.
func manifestMediaType(desc ocispec.Descriptor, img ocispec.Manifest) string {
	if desc.MediaType != "" {
		return desc.MediaType
	}
	if img.MediaType != "" {
		return img.MediaType
	}
	return ocispec.MediaTypeImageManifest
}

// countStaged counts the staged files and symlinks. A missing staging
// directory counts as empty.
func countStaged(dir string) (int, error) {
	var n int
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return n, err
}

// archiveBlob is one blob to place in the output archive, sourced from
// a file on disk or from bytes already in memory.
type archiveBlob struct {
	desc ocispec.Descriptor
	path string
	data []byte
}

// writeArchive writes an OCI image archive containing the layout
// marker, the index, and the given blobs. A partial archive is removed
// on failure.
func writeArchive(dest string, idx ocispec.Index, blobs []archiveBlob) (err error) {
	indexBytes, err := json.Marshal(idx)
	if err != nil {
		return errors.Wrap(err, "encoding image index")
	}
	layoutBytes, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return errors.Wrap(err, "encoding layout marker")
	}

	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dest)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "closing %s", dest)
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	tw := tar.NewWriter(f)
	if err := writeArchiveFile(tw, ocispec.ImageLayoutFile, layoutBytes); err != nil {
		return err
	}
	if err := writeArchiveFile(tw, ocispec.ImageIndexFile, indexBytes); err != nil {
		return err
	}
	if err := writeArchiveDir(tw, ocispec.ImageBlobsDir); err != nil {
		return err
	}

	written := make(map[digest.Digest]bool, len(blobs))
	dirs := make(map[string]bool, 1)
	for _, blob := range blobs {
		if written[blob.desc.Digest] {
			continue
		}
		written[blob.desc.Digest] = true

		algoDir := path.Join(ocispec.ImageBlobsDir, blob.desc.Digest.Algorithm().String())
		if !dirs[algoDir] {
			dirs[algoDir] = true
			if err := writeArchiveDir(tw, algoDir); err != nil {
				return err
			}
		}

		name := path.Join(algoDir, blob.desc.Digest.Encoded())
		if blob.data != nil {
			if err := writeArchiveFile(tw, name, blob.data); err != nil {
				return err
			}
			continue
		}
		if err := writeArchiveBlob(tw, name, blob.path, blob.desc.Size); err != nil {
			return err
		}
	}

	return tw.Close()
}

func writeArchiveDir(tw *tar.Writer, name string) error {
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     int64(paths.DefaultDirMode),
		ModTime:  layerEpoch,
	})
}

func writeArchiveFile(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(paths.DefaultFileMode),
		Size:     int64(len(data)),
		ModTime:  layerEpoch,
	}); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func writeArchiveBlob(tw *tar.Writer, name, src string, size int64) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(paths.DefaultFileMode),
		Size:     size,
		ModTime:  layerEpoch,
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
