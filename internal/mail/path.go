package mail

import (
	"strings"
)

// Target names a destination folder or maildir. It is satisfied both by a
// joined folder name (Name) and by an already split list of components (Path),
// so every operation taking a destination accepts either form.
type Target interface {
	Components(sep string) Path
}

// Name is a folder name whose components are joined by a separator.
type Name string

// Components splits the name on sep.
func (n Name) Components(sep string) Path {
	return ParsePath(string(n), sep)
}

// Path is an ordered list of folder name components.
type Path []string

// Components returns the path unchanged.
func (p Path) Components(string) Path {
	return p
}

// Join joins the components with sep.
func (p Path) Join(sep string) string {
	return strings.Join(p, sep)
}

// Parent returns the path without its last component.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// ParsePath splits a joined folder name into components. An empty name
// yields an empty path.
func ParsePath(name, sep string) Path {
	if name == "" {
		return Path{}
	}
	if sep == "" {
		return Path{name}
	}
	return Path(strings.Split(name, sep))
}

// Namespace describes how folder names are laid out in a message store.
type Namespace struct {
	// Separator joins folder name components.
	Separator string

	// Prefix is prepended to folder names that do not already start with it.
	Prefix string

	// Hierarchical is set when Separator is the store's native hierarchy
	// separator (a "/" separated maildir tree). No prefix is applied then.
	Hierarchical bool
}

// Resolve normalizes a target into components with the namespace prefix applied.
func (ns Namespace) Resolve(t Target) Path {
	return ns.EnsurePrefix(t.Components(ns.Separator))
}

// Name resolves a target and joins it with the namespace separator.
func (ns Namespace) Name(t Target) string {
	return ns.Resolve(t).Join(ns.Separator)
}

// EnsurePrefix returns path with the namespace prefix prepended. The path is
// returned unchanged when it is empty, when there is no prefix, when the
// prefix already leads it, or when the namespace is hierarchical.
func (ns Namespace) EnsurePrefix(path Path) Path {
	if len(path) == 0 || ns.Hierarchical || ns.Prefix == "" {
		return path
	}

	// Maildir++ layout: a prefix equal to the separator becomes an empty
	// leading component so that joining yields ".a.b".
	if ns.Prefix == ns.Separator {
		if path[0] == "" {
			return path
		}
		return append(Path{""}, path...)
	}

	if path[0] == ns.Prefix {
		return path
	}
	return append(Path{ns.Prefix}, path...)
}
