//go:build tinygo.wasm

// reader reads a key under its own namespace on every tick and logs what
// it finds, demonstrating that plugin storage is never shared across
// callers. Build with:
//   tinygo build -o reader.wasm -target wasi -no-debug main.go
package main

import "unsafe"

const manifestJSON = `{"name":"reader","version":"0.1.0","description":"reads a key under its own namespace on every tick"}`

const callGetData = 1

//go:wasmimport env log_host
func logHost(levelPtr, levelLen, msgPtr, msgLen, fieldsPtr, fieldsLen uint32)

//go:wasmimport env call_host
func callHost(fnID uint32, reqPtr, reqLen uint32) uint64

//export gk_alloc
func gk_alloc(size uint32) uint32 {
	buf := make([]byte, size)
	return uint32(uintptr(unsafe.Pointer(&buf[0])))
}

//export gk_free
func gk_free(ptr uint32) {}

//export metadata
func metadata() uint64 { return writeResult(manifestJSON) }

//export initialize
func initialize(argsPtr, argsLen uint32) uint64 { return writeResult(`{"ok":true}`) }

//export tick
func tick() uint64 {
	req := `{"key":"counter"}`
	reqPtr, reqLen := writeArg(req)
	packed := callHost(callGetData, reqPtr, reqLen)
	ptr, length := unpack(packed)
	envelope := readString(ptr, length)
	logHostStr("info", envelope, "")
	return writeResult(`{"ok":true}`)
}

func logHostStr(level, message, fieldsJSON string) {
	lp, ll := writeArg(level)
	mp, ml := writeArg(message)
	fp, fl := writeArg(fieldsJSON)
	logHost(lp, ll, mp, ml, fp, fl)
}

func writeArg(s string) (uint32, uint32) {
	if s == "" {
		return 0, 0
	}
	ptr := gk_alloc(uint32(len(s)))
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(s))
	copy(dst, s)
	return ptr, uint32(len(s))
}

func writeResult(s string) uint64 {
	ptr, length := writeArg(s)
	return (uint64(ptr) << 32) | uint64(length)
}

func readString(ptr, length uint32) string {
	if ptr == 0 || length == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func unpack(packed uint64) (uint32, uint32) {
	return uint32(packed >> 32), uint32(packed)
}

func main() {}
