//go:build tinygo.wasm

// echo subscribes itself to a topic on initialize and logs every message
// it receives. Build with:
//   tinygo build -o echo.wasm -target wasi -no-debug main.go
package main

import (
	"unsafe"
)

const manifestJSON = `{"name":"echo","version":"0.1.0","description":"subscribes to a topic and logs deliveries"}`

const callSubscribeTopic = 6

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
func initialize(argsPtr, argsLen uint32) uint64 {
	req := `{"topic":"ping"}`
	reqPtr, reqLen := writeArg(req)
	callHost(callSubscribeTopic, reqPtr, reqLen)
	return writeResult(`{"ok":true}`)
}

//export handle_message
func handle_message(argsPtr, argsLen uint32) uint64 {
	msg := readString(argsPtr, argsLen)
	logHostStr("info", msg, "")
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

func main() {}
