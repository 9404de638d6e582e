//go:build tinygo.wasm

// writer stores an incrementing counter under its own key on every tick.
// Build with:
//   tinygo build -o writer.wasm -target wasi -no-debug main.go
package main

import (
	"strconv"
	"unsafe"
)

const manifestJSON = `{"name":"writer","version":"0.1.0","description":"stores a counter under store_data on every tick"}`

const callStoreData = 0

//go:wasmimport env call_host
func callHost(fnID uint32, reqPtr, reqLen uint32) uint64

var counter int

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
	counter++
	req := `{"key":"counter","value":` + strconv.Itoa(counter) + `}`
	ptr, length := writeArg(req)
	callHost(callStoreData, ptr, length)
	return writeResult(`{"ok":true}`)
}

func writeArg(s string) (uint32, uint32) {
	ptr := gk_alloc(uint32(len(s)))
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(s))
	copy(dst, s)
	return ptr, uint32(len(s))
}

func writeResult(s string) uint64 {
	ptr, length := writeArg(s)
	return (uint64(ptr) << 32) | uint64(length)
}

func main() {}
