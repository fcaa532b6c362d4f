package sandbox

import (
	"fmt"
	"strings"

	"github.com/traefik/yaegi/stdlib"

	"capforge/internal/guardrail"
	"capforge/internal/outcome"
)

// ResolveImports checks that every declared requirement can be materialized
// into an importable package in this runtime. The interpreter can only
// provide packages whose symbols ship with the binary, so resolution is a
// membership test against that universe. Anything outside it is an
// environment fault: the program may be fine on a runtime that carries the
// package, so the failure is typed and retriable rather than a rejection of
// the code.
func ResolveImports(paths []string) error {
	for _, path := range paths {
		if path == guardrail.HostImportPath {
			continue
		}
		if _, ok := stdlib.Symbols[symbolKey(path)]; !ok {
			return &outcome.Error{
				Type:      outcome.ErrDependencyResolutionFailed,
				Message:   fmt.Sprintf("requirement %q cannot be materialized in this runtime", path),
				Retriable: true,
			}
		}
	}
	return nil
}

// symbolKey maps an import path to its symbol-table key, which is the path
// suffixed with the package name ("net/http" keys as "net/http/http").
func symbolKey(path string) string {
	base := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		base = path[i+1:]
	}
	return path + "/" + base
}
