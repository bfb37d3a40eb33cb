// Selects build outputs into the staging area.
//
// Selection runs in two phases over the source tree left behind by the
// build: exclude paths are deleted first, then allow rules copy files,
// directories, and glob matches into a staging directory laid out exactly
// as the artifact will appear inside the image.
package staging
