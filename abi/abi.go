/*
   abi - the C-linkage host<->core library boundary.

   Copyright (c) 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

// Package abi is the C-linkage function table that is the host binding's
// only view of the core: a host process loads this
// library, resolves each function below by name, and never sees the
// Memory Window, Block Cache, or Executors directly. Every call here goes
// through exactly one process-wide Runtime (the library handoff is the one
// place a single process-wide instance is actually the contract) and every
// failure is reported two ways: a return code for the immediate caller,
// and a single-slot "last error" string a host can query afterward.
package abi

/*
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/rcornwell/ppujit/core"
	"github.com/rcornwell/ppujit/exec/executor"
	"github.com/rcornwell/ppujit/exec/scheduler"
	"github.com/rcornwell/ppujit/shader"
)

// State is the coarse lifecycle state getState() reports.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateBooted
	StateRunning
	StateStopped
	StateShutdown
)

// Return codes. Zero is always success; every non-zero code is paired with
// a message available through the last-error slot.
const (
	OK int32 = 0

	errAlreadyInitialized int32 = -1
	errNotInitialized     int32 = -2
	errAlreadyBooted      int32 = -3
	errNotBooted          int32 = -4
	errIO                 int32 = -5
	errInvalidArgument    int32 = -6
)

// Runtime is the single process-wide instance every exported function below
// operates on. There is exactly one: the library-handoff model assumes one
// core per host process, so a package-level singleton (guarded by mu, not a
// sync.Once, since boot/shutdown/boot again is a legal lifecycle) is the
// honest shape for this boundary, rather than threading a handle the C side
// has nowhere to store.
type Runtime struct {
	mu sync.Mutex

	state State
	core  *core.Core
	execs []*executor.Executor
	topo  scheduler.Topology

	rootDir  string
	user     string
	titleID  string
	lastErr  string
}

var rt = &Runtime{}

func setLastError(err error) int32 {
	rt.mu.Lock()
	if err != nil {
		rt.lastErr = err.Error()
	} else {
		rt.lastErr = ""
	}
	rt.mu.Unlock()
	if err != nil {
		return errIO
	}
	return OK
}

func cString(s string) *C.char { return C.CString(s) }

//export ppujitInitialize
func ppujitInitialize(rootDir *C.char, user *C.char) C.int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state != StateUninitialized {
		rt.lastErr = "abi: already initialized"
		return C.int(errAlreadyInitialized)
	}

	root := C.GoString(rootDir)

	c, err := core.New(core.Options{
		Log: slog.Default(),
		Shader: &shader.Options{
			Dir: filepath.Join(root, "shader-cache"),
		},
	})
	if err != nil {
		rt.lastErr = fmt.Sprintf("abi: initialize: %v", err)
		return C.int(errIO)
	}

	rt.core = c
	rt.topo = scheduler.Detect()
	rt.rootDir = root
	rt.user = C.GoString(user)
	rt.state = StateInitialized
	rt.lastErr = ""
	return C.int(OK)
}

//export ppujitBoot
func ppujitBoot(path *C.char) C.int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state == StateUninitialized || rt.state == StateShutdown {
		rt.lastErr = "abi: boot called before initialize"
		return C.int(errNotInitialized)
	}
	if rt.state == StateBooted || rt.state == StateRunning {
		rt.lastErr = "abi: already booted"
		return C.int(errAlreadyBooted)
	}

	p := C.GoString(path)
	rt.titleID = titleIDFromPath(p)
	rt.core.CPU.PC = 0
	rt.core.SendStart()

	exec0 := executor.New("ppu_block", 0, rt.core.Cache, rt.core.Baseline, rt.core.Mem, rt.core.Promoter, rt.core.CPU, rt.core.Log)
	exec0.Topology = rt.topo
	exec0.Runnable = rt.core.IsRunning
	rt.execs = []*executor.Executor{exec0}

	go func() {
		if err := exec0.Run(); err != nil {
			rt.core.Log.Error("executor stopped", "err", err)
		}
	}()

	rt.state = StateRunning
	rt.lastErr = ""
	return C.int(OK)
}

// titleIDFromPath stands in for the real disc/PKG title-ID parser this
// boundary would call in a full implementation; platform library emulation
// is out of scope here, so all that is needed is a stable, deterministic
// placeholder that getTitleId() can return.
func titleIDFromPath(path string) string {
	h := uint64(14695981039346656037) // FNV-1a offset basis
	for i := 0; i < len(path); i++ {
		h ^= uint64(path[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("PPUJIT-%08X", uint32(h))
}

//export ppujitShutdown
func ppujitShutdown() C.int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state == StateUninitialized || rt.state == StateShutdown {
		return C.int(OK)
	}

	for _, e := range rt.execs {
		e.Stop()
	}
	rt.execs = nil

	var err error
	if rt.core != nil {
		err = rt.core.Close()
		rt.core = nil
	}
	rt.state = StateShutdown
	if err != nil {
		rt.lastErr = fmt.Sprintf("abi: shutdown: %v", err)
		return C.int(errIO)
	}
	rt.lastErr = ""
	return C.int(OK)
}

//export ppujitKill
func ppujitKill() C.int {
	rt.mu.Lock()
	execs := rt.execs
	var c *core.Core
	c, rt.core = rt.core, nil
	rt.execs = nil
	rt.state = StateStopped
	rt.mu.Unlock()

	for _, e := range execs {
		e.Stop()
	}
	if c != nil {
		_ = c.Close()
	}
	return C.int(OK)
}

//export ppujitResume
func ppujitResume() C.int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.core == nil {
		rt.lastErr = "abi: resume called with no booted title"
		return C.int(errNotBooted)
	}
	rt.core.SendStart()
	rt.state = StateRunning
	return C.int(OK)
}

//export ppujitGetState
func ppujitGetState() C.int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return C.int(rt.state)
}

//export ppujitGetTitleId
func ppujitGetTitleId() *C.char {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return cString(rt.titleID)
}

// Version is the semantic version string getVersion() returns.
const Version = "0.1.0"

//export ppujitGetVersion
func ppujitGetVersion() *C.char { return cString(Version) }

//export ppujitSystemInfo
func ppujitSystemInfo() *C.char {
	rt.mu.Lock()
	topo := rt.topo
	rt.mu.Unlock()
	info := fmt.Sprintf(
		`{"version":%q,"performance_cpus":%d,"efficiency_cpus":%d}`,
		Version, len(topo.Performance), len(topo.Efficiency),
	)
	return cString(info)
}

// Surface events from the host window system. There is no GUI on this
// side of the boundary, so the only meaningful event is "surface lost",
// which pauses the guest (resume() picks it back up) the way a host
// window close would.
const (
	SurfaceEventLost int32 = iota
	SurfaceEventResized
)

//export ppujitSurfaceEvent
func ppujitSurfaceEvent(surfaceHandle C.longlong, event C.int) C.int {
	if int32(event) != SurfaceEventLost {
		return C.int(OK)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.core != nil {
		rt.core.SendStop()
		rt.state = StateStopped
	}
	return C.int(OK)
}

//export ppujitUsbDeviceEvent
func ppujitUsbDeviceEvent(fd C.int, vendorID C.int, productID C.int, event C.int) C.int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.core == nil {
		return C.int(errNotInitialized)
	}
	rt.core.Log.Debug("usb device event", "fd", int(fd), "vendor", int(vendorID), "product", int(productID), "event", int(event))
	return C.int(OK)
}

//export ppujitInstall
func ppujitInstall(fd C.int, progressID C.longlong) C.int {
	return C.int(setLastError(errors.New("abi: install is out of scope ; package installation is not part of this core")))
}

//export ppujitInstallFw
func ppujitInstallFw(fd C.int, progressID C.longlong) C.int {
	return C.int(setLastError(errors.New("abi: installFw is out of scope ; package installation is not part of this core")))
}

//export ppujitIsInstallableFile
func ppujitIsInstallableFile(fd C.int) C.int {
	return C.int(0)
}

// overlayPadData(digital1, digital2, leftStickX, leftStickY, rightStickX,
// rightStickY). There is no input-device model on this side of the
// boundary; the call is accepted and acknowledged so a host binding can
// link against the full documented table without every unimplemented
// surface being a link error.
//
//export ppujitOverlayPadData
func ppujitOverlayPadData(digital1, digital2 C.uint, leftX, leftY, rightX, rightY C.short) C.int {
	return C.int(OK)
}

//export ppujitSettingsGet
func ppujitSettingsGet(path *C.char) *C.char {
	return cString("")
}

//export ppujitSettingsSet
func ppujitSettingsSet(path *C.char, value *C.char) C.int {
	return C.int(1)
}

//export ppujitLoginUser
func ppujitLoginUser(userID *C.char) C.int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.user = C.GoString(userID)
	return C.int(OK)
}

//export ppujitGetUser
func ppujitGetUser() *C.char {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return cString(rt.user)
}

//export ppujitSetCustomDriver
func ppujitSetCustomDriver(handle unsafe.Pointer) unsafe.Pointer {
	return nil
}

//export ppujitGetLastError
func ppujitGetLastError() *C.char {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return cString(rt.lastErr)
}

//export ppujitFreeString
func ppujitFreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}
