// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dict

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"sort"
	"strconv"

	"golang.org/x/tools/go/packages"
)

var nolits = map[string]bool{
	"math":    true,
	"os":      true,
	"unicode": true,
}

// FromPackages loads the packages matching patterns (and their dependencies
// outside the standard library) and returns their string and integer literals.
func FromPackages(patterns ...string) ([][]byte, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedImports | packages.NeedDeps | packages.NeedModule,
		Env:  os.Environ(),
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("could not load packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return nil, fmt.Errorf("typechecking of %v failed", patterns)
	}
	lits := make(map[string]struct{})
	packages.Visit(pkgs, nil, func(pkg *packages.Package) {
		if nolits[pkg.PkgPath] || isStd(pkg) {
			return
		}
		for _, f := range pkg.Syntax {
			ast.Walk(&LiteralCollector{lits: lits}, f)
		}
	})
	return sortedLits(lits), nil
}

// CollectLiterals returns the literals of already parsed files.
func CollectLiterals(files ...*ast.File) [][]byte {
	lits := make(map[string]struct{})
	for _, f := range files {
		ast.Walk(&LiteralCollector{lits: lits}, f)
	}
	return sortedLits(lits)
}

func isStd(pkg *packages.Package) bool {
	// Standard library packages have no module.
	return pkg.Module == nil && !containsDot(pkg.PkgPath)
}

func containsDot(path string) bool {
	for i := 0; i < len(path) && path[i] != '/'; i++ {
		if path[i] == '.' {
			return true
		}
	}
	return false
}

func sortedLits(lits map[string]struct{}) [][]byte {
	keys := make([]string, 0, len(lits))
	for lit := range lits {
		keys = append(keys, lit)
	}
	sort.Strings(keys)
	res := make([][]byte, len(keys))
	for i, k := range keys {
		res[i] = []byte(k)
	}
	return res
}

type LiteralCollector struct {
	lits map[string]struct{}
}

func (lc *LiteralCollector) Visit(n ast.Node) (w ast.Visitor) {
	switch nn := n.(type) {
	default:
		return lc // recurse
	case *ast.ImportSpec:
		return nil
	case *ast.Field:
		return nil // ignore field tags
	case *ast.CallExpr:
		switch fn := nn.Fun.(type) {
		case *ast.Ident:
			if fn.Name == "panic" {
				return nil
			}
		case *ast.SelectorExpr:
			if id, ok := fn.X.(*ast.Ident); ok && (id.Name == "fmt" || id.Name == "errors") {
				return nil
			}
		}
		return lc
	case *ast.BasicLit:
		switch nn.Kind {
		case token.CHAR, token.STRING:
			lit, err := strconv.Unquote(nn.Value)
			if err == nil && lit != "" && len(lit) <= MaxTokenLen {
				lc.lits[lit] = struct{}{}
			}
		case token.INT:
			if val, ok := intLiteral(nn.Value); ok {
				lc.lits[string(val)] = struct{}{}
			}
		}
		return nil
	}
}

// intLiteral encodes v in the smallest little-endian width that holds it.
func intLiteral(lit string) ([]byte, bool) {
	v, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		u, err := strconv.ParseUint(lit, 0, 64)
		if err != nil {
			return nil, false
		}
		v = int64(u)
	}
	var val []byte
	if v >= -(1<<7) && v < 1<<8 {
		val = append(val, byte(v))
	} else if v >= -(1<<15) && v < 1<<16 {
		val = append(val, byte(v), byte(v>>8))
	} else if v >= -(1<<31) && v < 1<<32 {
		val = append(val, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	} else {
		val = append(val, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
	}
	return val, true
}
