package registry

import (
	"fmt"
	"strings"
)

// DefaultRoot is the path under which producers register.
const DefaultRoot = "/soul/register"

// Separator joins node path segments.
const Separator = "/"

// PathScheme maps categories, RPC types and context names to node paths:
//
//	<root>/<category>/<rpcType>/<context>/<instance>
type PathScheme struct {
	Root string
}

// DefaultPathScheme returns the scheme rooted at DefaultRoot.
func DefaultPathScheme() PathScheme {
	return PathScheme{Root: DefaultRoot}
}

func (s PathScheme) root() string {
	r := strings.TrimRight(s.Root, Separator)
	if r == "" {
		return ""
	}
	if !strings.HasPrefix(r, Separator) {
		r = Separator + r
	}
	return r
}

// ContextParent returns the parent path holding one child per context.
func (s PathScheme) ContextParent(c Category, t RPCType) string {
	return s.root() + Separator + string(c) + Separator + string(t)
}

// ContextPath returns the path of one context, whose children are leaves.
func (s PathScheme) ContextPath(c Category, t RPCType, context string) string {
	return Node(s.ContextParent(c, t), context)
}

// Node returns the path of child name under parent.
func Node(parent, name string) string {
	return strings.TrimRight(parent, Separator) + Separator + name
}

// Location is a node path split into its registration components.
// Context and Instance are empty for shallower paths.
type Location struct {
	Category Category
	RPCType  RPCType
	Context  string
	Instance string
}

// Parse splits a node path under the scheme root back into its components.
func (s PathScheme) Parse(p string) (Location, error) {
	root := s.root()
	if !strings.HasPrefix(p, root+Separator) {
		return Location{}, fmt.Errorf("%w: %s not under %s", ErrInvalidPath, p, s.Root)
	}
	parts := strings.Split(strings.TrimPrefix(p, root+Separator), Separator)
	if len(parts) < 2 || len(parts) > 4 {
		return Location{}, fmt.Errorf("%w: %s", ErrInvalidPath, p)
	}
	for _, part := range parts {
		if part == "" {
			return Location{}, fmt.Errorf("%w: %s has an empty segment", ErrInvalidPath, p)
		}
	}

	c, err := ParseCategory(parts[0])
	if err != nil {
		return Location{}, err
	}
	t, err := ParseRPCType(parts[1])
	if err != nil {
		return Location{}, err
	}
	loc := Location{Category: c, RPCType: t}
	if len(parts) > 2 {
		loc.Context = parts[2]
	}
	if len(parts) > 3 {
		loc.Instance = parts[3]
	}
	return loc, nil
}
