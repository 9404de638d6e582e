//go:build tinygo.wasm

// pinger publishes a single message to a topic on every tick. Build with:
//   tinygo build -o pinger.wasm -target wasi -no-debug main.go
package main

import "unsafe"

const manifestJSON = `{"name":"pinger","version":"0.1.0","description":"publishes to a topic on every tick"}`

const callPublishMessage = 5

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
	req := `{"topic":"ping","payload":[1,2],"priority":1}`
	ptr, length := writeArg(req)
	callHost(callPublishMessage, ptr, length)
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
