// Composes runtime images from a base image and a staged artifact.
//
// The composer works directly on OCI image layouts and archives: the base
// image's manifest and config are read, a single new layer is built from
// the staging directory, runtime settings (env, entrypoint, exposed port,
// working directory) are applied to the config, and the result is written
// as an OCI archive. Base layers are copied through untouched, so the
// output differs from the base by exactly one layer plus metadata.
package image
