package crucible

import (
	"fmt"
	"strings"
)

// A Crate identifies one unit of source code under test. It is either a
// registry crate (Name, optionally pinned to Version) or a VCS reference
// (Owner/Repo, optionally pinned to Commit). Crates are immutable once an
// experiment has started.
type Crate struct {
	Name    string // The registry crate name. Empty for VCS crates
	Version string // The registry version, or empty for the latest one

	Owner  string // The VCS repository owner. Empty for registry crates
	Repo   string // The VCS repository name
	Commit string // The pinned commit, or empty if unresolved
}

// IsVcs reports whether this crate is identified by a VCS reference rather
// than registry coordinates.
func (c Crate) IsVcs() bool {
	return c.Repo != ""
}

// ID returns the stable identifier of this crate. Two crates are the same
// crate exactly when their IDs are equal. The ID doubles as the deterministic
// tie-break key when ordering tasks.
func (c Crate) ID() string {
	if c.IsVcs() {
		return fmt.Sprintf("vcs/%s/%s/%s", c.Owner, c.Repo, c.Commit)
	}
	return fmt.Sprintf("reg/%s/%s", c.Name, c.Version)
}

func (c Crate) String() string {
	if c.IsVcs() {
		s := fmt.Sprintf("%s/%s", c.Owner, c.Repo)
		if c.Commit != "" {
			s += "@" + shortCommit(c.Commit)
		}
		return s
	}
	if c.Version != "" {
		return fmt.Sprintf("%s-%s", c.Name, c.Version)
	}
	return c.Name
}

// Valid reports whether the crate identifies exactly one of the two supported
// source kinds.
func (c Crate) Valid() bool {
	registry := c.Name != ""
	vcs := c.Owner != "" && c.Repo != ""
	return registry != vcs
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

// ParseCrate parses the short crate syntax used on the command line and in
// corpus files. Registry crates are "name" or "name/version", VCS crates are
// "gh:owner/repo" or "gh:owner/repo@commit".
func ParseCrate(s string) (Crate, error) {
	if rest, ok := strings.CutPrefix(s, "gh:"); ok {
		var commit string
		if at := strings.LastIndexByte(rest, '@'); at != -1 {
			rest, commit = rest[:at], rest[at+1:]
		}
		owner, repo, ok := strings.Cut(rest, "/")
		if !ok || owner == "" || repo == "" {
			return Crate{}, fmt.Errorf("invalid VCS crate reference %q", s)
		}
		return Crate{Owner: owner, Repo: repo, Commit: commit}, nil
	}

	name, version, _ := strings.Cut(s, "/")
	if name == "" {
		return Crate{}, fmt.Errorf("invalid registry crate reference %q", s)
	}
	return Crate{Name: name, Version: version}, nil
}
