// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestByteSliceConversions(t *testing.T) {
	assertions := assert.New(t)

	byteSlice := Uint64ToByteSlice(uint64(0x123456789ABCDEF0))
	assertions.Equal(8, len(byteSlice), "Uint64ToByteSlice() should return 8 bytes")

	u64, ok := ByteSliceToUint64(byteSlice)
	assertions.True(ok, "ByteSliceToUint64() should accept an 8 byte slice")
	assertions.Equal(uint64(0x123456789ABCDEF0), u64, "round trip should preserve the value")

	_, ok = ByteSliceToUint64(byteSlice[:7])
	assertions.False(ok, "ByteSliceToUint64() should reject a short slice")

	byteSlice = Uint16ToByteSlice(uint16(0x0102))
	assertions.Equal([]byte{0x02, 0x01}, byteSlice, "Uint16ToByteSlice() should be little endian")
}

func TestHexStr(t *testing.T) {
	assertions := assert.New(t)

	assertions.Equal("000000000000002A", Uint64ToHexStr(42))

	u64, err := HexStrToUint64("000000000000002A")
	assertions.Nil(err, "HexStrToUint64() should parse its own output")
	assertions.Equal(uint64(42), u64)

	_, err = HexStrToUint64("not hex")
	assertions.NotNil(err, "HexStrToUint64() should reject garbage")
}

func TestGetFuncPackage(t *testing.T) {
	assertions := assert.New(t)

	fn, pkg, gid := GetFuncPackage(0)
	assertions.Equal("utils", pkg, "GetFuncPackage() should see this package")
	assertions.Equal("TestGetFuncPackage", fn, "GetFuncPackage() should see this function")
	assertions.NotEqual(uint64(0), gid, "goroutine id should be non-zero")
	assertions.Equal(gid, GetGID(), "GetGID() should be stable within a goroutine")

	assertions.Equal(uint64(42), StackTraceToGoId([]byte("goroutine 42 [running]:\nmain.main()")))
	assertions.Equal(uint64(0), StackTraceToGoId([]byte("garbage")), "unparseable stack traces yield 0")
}

func TestStopwatch(t *testing.T) {
	assertions := assert.New(t)

	sw := NewStopwatch()
	assertions.True(sw.IsRunning)

	time.Sleep(5 * time.Millisecond)
	elapsed := sw.Stop()
	assertions.False(sw.IsRunning)
	assertions.True(elapsed >= 5*time.Millisecond, "Stop() should report at least the slept time")
	assertions.Equal(elapsed, sw.Elapsed(), "Elapsed() is frozen once stopped")

	sw.Restart()
	assertions.True(sw.IsRunning)
}

func TestJSONify(t *testing.T) {
	assertions := assert.New(t)

	type inner struct {
		A uint64
		B string
	}

	packed := JSONify(inner{A: 1, B: "two"}, false)
	assertions.Equal(`{"A":1,"B":"two"}`, packed)

	indented := JSONify(inner{A: 1, B: "two"}, true)
	assertions.Contains(indented, "\t\"A\": 1")
}
