//go:build tinygo.wasm

// hello is the minimal reference plugin: it declares metadata and an
// initialize export and nothing else. Build with:
//   tinygo build -o hello.wasm -target wasi -no-debug main.go
package main

import "unsafe"

const manifestJSON = `{"name":"hello","version":"0.1.0","description":"minimal reference plugin"}`

//export gk_alloc
func gk_alloc(size uint32) uint32 {
	buf := make([]byte, size)
	return uint32(uintptr(unsafe.Pointer(&buf[0])))
}

//export gk_free
func gk_free(ptr uint32) {}

//export metadata
func metadata() uint64 {
	return writeResult(manifestJSON)
}

//export initialize
func initialize(argsPtr, argsLen uint32) uint64 {
	return writeResult(`{"ok":true}`)
}

func writeResult(s string) uint64 {
	ptr := gk_alloc(uint32(len(s)))
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(s))
	copy(dst, s)
	return (uint64(ptr) << 32) | uint64(len(s))
}

func main() {}
