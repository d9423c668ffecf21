// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hash names inputs by content.
package hash

import (
	"crypto/sha1"
	"encoding/hex"
)

type Sig [sha1.Size]byte

func Hash(pieces ...[]byte) Sig {
	h := sha1.New()
	for _, data := range pieces {
		h.Write(data)
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig
}

func String(pieces ...[]byte) string {
	return Hash(pieces...).String()
}

func (sig Sig) String() string {
	return hex.EncodeToString(sig[:])
}

// Short is the prefix used in log lines.
func (sig Sig) Short() string {
	return hex.EncodeToString(sig[:4])
}
