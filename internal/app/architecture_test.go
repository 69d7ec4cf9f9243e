package app

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

type layerRule struct {
	imported string
	allowed  []string
}

var layerRules = []layerRule{
	{imported: "bakeops/internal/infra/blob", allowed: []string{"bakeops/internal/blob", "bakeops/internal/infra/blob"}},
	{imported: "bakeops/internal/infra/persistence", allowed: []string{"bakeops/internal/core", "bakeops/internal/app", "bakeops/internal/infra/persistence"}},
	{imported: "bakeops/internal/infra/lock", allowed: []string{"bakeops/internal/app", "bakeops/internal/infra/lock"}},
	{imported: "github.com/gin-gonic/gin", allowed: []string{"bakeops/internal/adapters/httpapi"}},
}

// TestLayering loads every package in the module and checks infra drivers,
// the HTTP framework and the domain package stay behind their owners.
func TestLayering(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "bakeops/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if strings.HasPrefix(pkg.PkgPath, "bakeops/pkg/") && hasPathPrefix(importPath, "bakeops/internal") {
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
			for _, rule := range layerRules {
				if !hasPathPrefix(importPath, rule.imported) || allowedImporter(pkg.PkgPath, rule.allowed) {
					continue
				}
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import: %s", v)
		}
		t.Fatalf("found %d layering violations", len(violations))
	}
}

func allowedImporter(pkgPath string, allowed []string) bool {
	pkgPath = strings.TrimSuffix(pkgPath, "_test")
	for _, prefix := range allowed {
		if hasPathPrefix(pkgPath, prefix) {
			return true
		}
	}
	return false
}

func hasPathPrefix(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}
