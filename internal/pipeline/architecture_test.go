package pipeline

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// computationPackages are the pure engine layers. They must stay free of
// orchestration and infrastructure imports so they remain usable in
// isolation (and trivially testable).
var computationPackages = []string{
	"histoquant/internal/ontology",
	"histoquant/internal/classify",
	"histoquant/internal/metrics",
	"histoquant/internal/distribution",
	"histoquant/internal/aggregate",
	"histoquant/internal/fiberstream",
}

var forbiddenForComputation = []string{
	"histoquant/internal/pipeline",
	"histoquant/internal/export",
	"histoquant/internal/infra",
}

func TestComputationPackagesStayPure(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "histoquant/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	isComputation := make(map[string]bool, len(computationPackages))
	for _, path := range computationPackages {
		isComputation[path] = true
	}

	var violations []string
	for _, pkg := range pkgs {
		if !isComputation[pkg.PkgPath] {
			continue
		}
		for importPath := range pkg.Imports {
			for _, forbidden := range forbiddenForComputation {
				if importPath == forbidden || strings.HasPrefix(importPath, forbidden+"/") {
					violations = append(violations, pkg.PkgPath+" imports "+importPath)
				}
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import: %s", v)
		}
		t.Fatalf("found %d layering violations", len(violations))
	}
}

// TestDriversStayBehindResultStore ensures persistence drivers are only
// wired at the composition root; everything else depends on the
// domain.ResultStore interface.
func TestDriversStayBehindResultStore(t *testing.T) {
	driverPrefix := "histoquant/internal/infra/persistence"
	allowed := map[string]bool{
		"histoquant/cmd/histoquant": true,
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "histoquant/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		if allowed[pkg.PkgPath] || strings.HasPrefix(pkg.PkgPath, driverPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if importPath == driverPrefix || strings.HasPrefix(importPath, driverPrefix+"/") {
				violations = append(violations, pkg.PkgPath+" imports "+importPath)
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden driver import: %s", v)
		}
		t.Fatalf("found %d forbidden driver imports", len(violations))
	}
}
