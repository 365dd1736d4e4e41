//go:build windows

package main

/*
#include <stdint.h>
*/
import "C"

import (
	"github.com/thfabian/bifrost/internal/loader"
)

var bootstrap = loader.NewBootstrap(loader.Options{Host: loader.DLLHost{}})

var helpText = C.CString("Bifrost bootstrap module; driven by the injector, not invoked directly")

//export setup
func setup(param *C.char) C.uint32_t {
	return C.uint32_t(bootstrap.Setup(C.GoString(param)))
}

//export teardown
func teardown(param *C.char) C.uint32_t {
	return C.uint32_t(bootstrap.Teardown(C.GoString(param)))
}

//export message
func message(param *C.char) C.uint32_t {
	return C.uint32_t(bootstrap.Message(C.GoString(param)))
}

//export help
func help() *C.char {
	return helpText
}
