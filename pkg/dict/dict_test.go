// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dict

import (
	"go/parser"
	"go/token"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndRandom(t *testing.T) {
	d := New([]byte("GET"), []byte("GET"), nil, make([]byte, MaxTokenLen+1))
	assert.Equal(t, 1, d.Len())
	assert.True(t, d.Add([]byte("POST")))
	r := rand.New(rand.NewSource(0))
	for i := 0; i < 10; i++ {
		tok := string(d.Random(r))
		assert.Contains(t, []string{"GET", "POST"}, tok)
	}
	var nilDict *Dict
	assert.Nil(t, nilDict.Random(r))
	assert.Equal(t, 0, nilDict.Len())
}

func TestLearn(t *testing.T) {
	d := New()
	n := d.Learn([]byte("\x00\x01hello\xffabc\x02content-length\x00"))
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("content-length")}, d.Tokens())
	assert.Equal(t, 0, d.Learn([]byte("hello")))
}

func TestParse(t *testing.T) {
	toks, err := Parse(strings.NewReader(`
# http keywords
kw_get="GET"
"\x00\x01"
quote="a\"b\\c"
`))
	require.NoError(t, err)
	want := [][]byte{[]byte("GET"), {0, 1}, []byte(`a"b\c`)}
	if diff := cmp.Diff(want, toks); diff != "" {
		t.Fatal(diff)
	}

	for _, bad := range []string{`GET`, `kw "x"`, `"\q"`, `"\x1"`, `"abc`} {
		_, err := Parse(strings.NewReader(bad))
		assert.Error(t, err, "input %q", bad)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.dict")
	require.NoError(t, os.WriteFile(path, []byte("a=\"HTTP/1.1\"\nb=\"Host\"\n"), 0644))
	d := New()
	n, err := d.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollectLiterals(t *testing.T) {
	const src = `package p

import "fmt"

type T struct {
	F int ` + "`json:\"f\"`" + `
}

func f(s string) {
	if s == "magic" || s[0] == 'Z' {
		fmt.Println("not collected")
	}
	x := 0x1234
	_ = x
	panic("also not collected")
}
`
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", src, 0)
	require.NoError(t, err)
	lits := CollectLiterals(f)
	var got []string
	for _, l := range lits {
		got = append(got, string(l))
	}
	assert.Contains(t, got, "magic")
	assert.Contains(t, got, "Z")
	assert.Contains(t, got, "\x34\x12")
	assert.Contains(t, got, "\x00")
	assert.NotContains(t, got, "fmt")
	assert.NotContains(t, got, "not collected")
	assert.NotContains(t, got, "also not collected")
}
