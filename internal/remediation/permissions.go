package remediation

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

func (p Permissions) String() string {
	var parts []string
	if p.Mode != "" {
		parts = append(parts, "mode "+p.Mode)
	}
	if p.Owner != "" || p.Group != "" {
		parts = append(parts, "owner "+p.Owner+":"+p.Group)
	}
	return strings.Join(parts, ", ") + " on " + p.Path
}

// ApplyPermissions chmods and chowns p.Path. Modes are octal strings and
// may only remove bits: a requested mode wider than the current one is
// narrowed to their intersection.
func ApplyPermissions(p Permissions) error {
	info, err := os.Lstat(p.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p.Path, err)
	}

	if p.Mode != "" {
		want, err := strconv.ParseUint(p.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("mode %q: %w", p.Mode, err)
		}
		mode := info.Mode().Perm() & os.FileMode(want)
		if err := os.Chmod(p.Path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", p.Path, err)
		}
	}

	if p.Owner != "" || p.Group != "" {
		uid, gid := -1, -1
		if p.Owner != "" {
			if uid, err = lookupID(p.Owner, userID); err != nil {
				return err
			}
		}
		if p.Group != "" {
			if gid, err = lookupID(p.Group, groupID); err != nil {
				return err
			}
		}
		if err := os.Lchown(p.Path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", p.Path, err)
		}
	}
	return nil
}

func userID(name string) (string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return "", err
	}
	return u.Uid, nil
}

func groupID(name string) (string, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return "", err
	}
	return g.Gid, nil
}

func lookupID(name string, lookup func(string) (string, error)) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	s, err := lookup(name)
	if err != nil {
		return -1, fmt.Errorf("lookup %s: %w", name, err)
	}
	return strconv.Atoi(s)
}
