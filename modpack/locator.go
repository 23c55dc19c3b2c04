package modpack

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Locator identifies a modpack to install: a CurseForge project named by slug
// or numeric id, plus an optional pinned file id. A zero FileID means "latest
// available file".
type Locator struct {
	Project string
	FileID  int64
}

// ErrBadLocator marks input that matches none of the accepted locator forms.
var ErrBadLocator = errors.New("unrecognized modpack locator")

var (
	projectURLRe = regexp.MustCompile(`/projects/([^/?#]+)(?:/files/([0-9]+))?`)
	listingURLRe = regexp.MustCompile(`/modpacks/minecraft/([0-9]+)-`)
)

// ParseLocator accepts a project page URL, a files listing URL, a bare slug or
// numeric id, or "project:fileID".
func ParseLocator(raw string) (Locator, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Locator{}, ErrBadLocator
	}
	if strings.Contains(s, "/") {
		return parseLocatorURL(s)
	}
	project, file, pinned := strings.Cut(s, ":")
	if project == "" {
		return Locator{}, fmt.Errorf("%w: %q", ErrBadLocator, raw)
	}
	loc := Locator{Project: project}
	if pinned {
		id, err := strconv.ParseInt(file, 10, 64)
		if err != nil || id <= 0 {
			return Locator{}, fmt.Errorf("%w: bad file id %q", ErrBadLocator, file)
		}
		loc.FileID = id
	}
	return loc, nil
}

func parseLocatorURL(s string) (Locator, error) {
	if m := projectURLRe.FindStringSubmatch(s); m != nil {
		loc := Locator{Project: m[1]}
		if m[2] != "" {
			// The regexp only admits digits here.
			loc.FileID, _ = strconv.ParseInt(m[2], 10, 64)
		}
		return loc, nil
	}
	if m := listingURLRe.FindStringSubmatch(s); m != nil {
		return Locator{Project: m[1]}, nil
	}
	return Locator{}, fmt.Errorf("%w: %q", ErrBadLocator, s)
}
