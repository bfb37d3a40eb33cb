package release

import (
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/paths"
)

var stampPattern = regexp.MustCompile(`(?m)^([ \t]*)version:[^\n]*`)

// Stamp rewrites the first version line of the file at path with the
// given version, preserving the line's indentation and the rest of the
// file byte for byte. A file without a version line gets one appended.
func Stamp(path, version string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading version file")
	}

	line := "version: " + version
	out := make([]byte, 0, len(data)+len(line)+1)

	loc := stampPattern.FindSubmatchIndex(data)
	if loc == nil {
		out = append(out, data...)
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
		out = append(out, line...)
		out = append(out, '\n')
	} else {
		out = append(out, data[:loc[0]]...)
		out = append(out, data[loc[2]:loc[3]]...)
		out = append(out, line...)
		out = append(out, data[loc[1]:]...)
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "inspecting version file")
	}
	if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
		return errors.Wrap(err, "writing version file")
	}
	return nil
}

// WriteChangelog writes the release notes as the changelog, falling
// back to a placeholder body when there are none.
func WriteChangelog(path string, rel *Release) error {
	notes := rel.Notes
	if notes == "" {
		notes = "# Changelog\n\nManual release."
	}
	if !strings.HasSuffix(notes, "\n") {
		notes += "\n"
	}
	if err := os.WriteFile(path, []byte(notes), paths.DefaultFileMode); err != nil {
		return errors.Wrap(err, "writing changelog")
	}
	return nil
}
