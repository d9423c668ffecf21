// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzdep

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/covfuzz/pkg/ipc"
)

type header struct {
	Magic   uint32
	Version uint16
	Flags   uint8
}

func TestRegister(t *testing.T) {
	var got []byte
	Register("TestRegister", func(data []byte) { got = data })
	fn := Lookup("TestRegister")
	require.NotNil(t, fn)
	fn([]byte("abc"))
	assert.Equal(t, "abc", string(got))
	assert.Contains(t, Names(), "TestRegister")
	assert.Nil(t, Lookup("NoSuchFunc"))
	assert.Panics(t, func() { Register("TestRegister", func([]byte) {}) })
	assert.Panics(t, func() { Register("", func([]byte) {}) })
}

func TestValue(t *testing.T) {
	_, ok := Value[header](nil)
	assert.False(t, ok)

	data := bytes.Repeat([]byte{0x42}, 32)
	v1, ok := Value[header](data)
	require.True(t, ok)
	v2, ok := Value[header](data)
	require.True(t, ok)
	assert.Equal(t, v1, v2, "decoding is deterministic")
}

func TestRegisterValue(t *testing.T) {
	calls := 0
	RegisterValue("TestRegisterValue", func(h header) { calls++ })
	ex := ipc.NewInProc(Lookup("TestRegisterValue"), time.Second)

	res, err := ex.Exec(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, calls)

	res, err = ex.Exec(context.Background(), bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, calls)
}

func TestReadOnce(t *testing.T) {
	data, ok, err := readOnce(bytes.NewReader([]byte("input")))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "input", string(data))

	_, ok, err = readOnce(bytes.NewReader([]byte("more")))
	require.NoError(t, err)
	assert.False(t, ok)
}
