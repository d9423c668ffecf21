// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dict

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Parse reads an AFL style dictionary:
//
//	# comment
//	kw1="value"
//	"value with \x00 escapes"
func Parse(r io.Reader) ([][]byte, error) {
	var res [][]byte
	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		text := strings.TrimSpace(s.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		if idx := strings.IndexByte(text, '"'); idx > 0 {
			name := strings.TrimSpace(text[:idx])
			if !strings.HasSuffix(name, "=") {
				return nil, fmt.Errorf("line %v: expected name=\"value\"", line)
			}
			text = text[idx:]
		}
		if len(text) < 2 || text[0] != '"' || text[len(text)-1] != '"' {
			return nil, fmt.Errorf("line %v: value is not quoted", line)
		}
		tok, err := unescape(text[1 : len(text)-1])
		if err != nil {
			return nil, fmt.Errorf("line %v: %w", line, err)
		}
		res = append(res, tok)
	}
	return res, s.Err()
}

func unescape(s string) ([]byte, error) {
	var res []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			res = append(res, c)
			continue
		}
		if i+1 >= len(s) {
			return nil, fmt.Errorf("trailing backslash")
		}
		i++
		switch s[i] {
		case '\\', '"':
			res = append(res, s[i])
		case 'n':
			res = append(res, '\n')
		case 't':
			res = append(res, '\t')
		case 'r':
			res = append(res, '\r')
		case 'x':
			if i+2 >= len(s) {
				return nil, fmt.Errorf("short \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad \\x escape: %w", err)
			}
			res = append(res, byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return res, nil
}

// LoadFile parses the dictionary file and adds its tokens to d.
func (d *Dict) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	toks, err := Parse(f)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", path, err)
	}
	added := 0
	for _, tok := range toks {
		if d.Add(tok) {
			added++
		}
	}
	return added, nil
}
