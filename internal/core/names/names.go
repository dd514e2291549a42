// Package names resolves graph resource names (nodes and topics) against a
// namespace and applies command-line remappings.
package names

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Sep separates namespace components.
	Sep = "/"
	// Remap separates the two sides of a `from:=to` argument.
	Remap = ":="
)

var (
	ErrInvalidName = errors.New("invalid name")
	ErrPrivateNode = errors.New("node name cannot be private")
)

var nameRe = regexp.MustCompile(`^[~/A-Za-z][A-Za-z0-9_/]*$`)

// Map holds name-to-value pairs parsed from arguments.
type Map map[string]string

// Validate reports whether name is a well-formed graph resource name.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !nameRe.MatchString(name) || strings.Contains(name, "//") || strings.Contains(name[1:], "~") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ProcessArguments splits `key:=value` arguments into remappings, private
// parameters (`_key`), special keys (`__name`, `__ns`, ...) and the
// remaining positional arguments.
func ProcessArguments(args []string) (mapping, params, specials Map, rest []string) {
	mapping = make(Map)
	params = make(Map)
	specials = make(Map)
	rest = make([]string, 0)
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, Remap)
		if !ok || strings.Contains(value, Remap) {
			rest = append(rest, arg)
			continue
		}
		switch {
		case strings.HasPrefix(key, "__"):
			specials[key] = value
		case strings.HasPrefix(key, "_"):
			params[key[1:]] = value
		default:
			mapping[key] = value
		}
	}
	return mapping, params, specials, rest
}

// QualifyNodeName splits name into its namespace and base node name.
// A bare name lives in the root namespace.
func QualifyNodeName(name string) (namespace, node string, err error) {
	if strings.HasPrefix(name, "~") {
		return "", "", fmt.Errorf("%w: %q", ErrPrivateNode, name)
	}
	if err := Validate(name); err != nil {
		return "", "", err
	}
	trimmed := strings.Trim(name, Sep)
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	idx := strings.LastIndex(trimmed, Sep)
	if idx < 0 {
		return Sep, trimmed, nil
	}
	return Sep + trimmed[:idx], trimmed[idx+1:], nil
}

// CanonicalNamespace returns ns with a single leading separator and no
// trailing one.
func CanonicalNamespace(ns string) string {
	ns = strings.Trim(ns, Sep)
	if ns == "" {
		return Sep
	}
	return Sep + ns
}

// Join appends name to namespace ns.
func Join(ns, name string) string {
	ns = CanonicalNamespace(ns)
	name = strings.Trim(name, Sep)
	if name == "" {
		return ns
	}
	if ns == Sep {
		return Sep + name
	}
	return ns + Sep + name
}

// Resolver expands relative and private names for one node and applies
// remappings.
type Resolver struct {
	namespace string
	node      string
	mapping   Map
}

// NewResolver builds a resolver. Both sides of each remapping are resolved
// against the node's namespace; invalid entries are rejected.
func NewResolver(namespace, node string, mapping Map) (*Resolver, error) {
	r := &Resolver{
		namespace: CanonicalNamespace(namespace),
		node:      node,
		mapping:   make(Map, len(mapping)),
	}
	for from, to := range mapping {
		src, err := r.expand(from)
		if err != nil {
			return nil, fmt.Errorf("remap %s: %w", from, err)
		}
		dst, err := r.expand(to)
		if err != nil {
			return nil, fmt.Errorf("remap %s: %w", from, err)
		}
		r.mapping[src] = dst
	}
	return r, nil
}

// Namespace returns the resolver's canonical namespace.
func (r *Resolver) Namespace() string { return r.namespace }

// Resolve returns the fully qualified, remapped form of name.
func (r *Resolver) Resolve(name string) (string, error) {
	full, err := r.expand(name)
	if err != nil {
		return "", err
	}
	if mapped, ok := r.mapping[full]; ok {
		return mapped, nil
	}
	return full, nil
}

func (r *Resolver) expand(name string) (string, error) {
	if name == "" {
		return r.namespace, nil
	}
	if err := Validate(name); err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(name, Sep):
		return Join(Sep, name), nil
	case strings.HasPrefix(name, "~"):
		return Join(Join(r.namespace, r.node), name[1:]), nil
	default:
		return Join(r.namespace, name), nil
	}
}

// ParseParam decodes a parameter literal given on the command line. Scalars,
// lists and maps follow YAML rules; anything unparsable stays a string.
func ParseParam(value string) any {
	var out any
	if err := yaml.Unmarshal([]byte(value), &out); err != nil || out == nil {
		return value
	}
	return out
}
