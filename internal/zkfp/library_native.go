//go:build zkfp && linux

package zkfp

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef int (*zk_void_fn)(void);
typedef void *(*zk_open_fn)(int);
typedef int (*zk_handle_fn)(void *);
typedef int (*zk_acquire_fn)(void *, unsigned char *, unsigned int, unsigned char *, unsigned int *);
typedef int (*zk_match_fn)(void *, unsigned char *, unsigned int, unsigned char *, unsigned int);
typedef int (*zk_identify_fn)(void *, unsigned char *, unsigned int);

static int zk_call_void(void *fn) { return ((zk_void_fn)fn)(); }
static void *zk_call_open(void *fn, int index) { return ((zk_open_fn)fn)(index); }
static int zk_call_handle(void *fn, void *h) { return ((zk_handle_fn)fn)(h); }

static int zk_call_acquire(void *fn, void *h, unsigned char *img, unsigned int imgLen,
                           unsigned char *tpl, unsigned int *tplLen) {
	return ((zk_acquire_fn)fn)(h, img, imgLen, tpl, tplLen);
}

static int zk_call_match(void *fn, void *h, unsigned char *a, unsigned int aLen,
                         unsigned char *b, unsigned int bLen) {
	return ((zk_match_fn)fn)(h, a, aLen, b, bLen);
}

static int zk_call_identify(void *fn, void *h, unsigned char *t, unsigned int tLen) {
	return ((zk_identify_fn)fn)(h, t, tLen);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"
)

type nativeLibrary struct {
	mu sync.Mutex
	dl unsafe.Pointer

	init      unsafe.Pointer
	terminate unsafe.Pointer
	count     unsafe.Pointer
	open      unsafe.Pointer
	closeDev  unsafe.Pointer
	acquire   unsafe.Pointer
	start     unsafe.Pointer
	stop      unsafe.Pointer
	match     unsafe.Pointer
	identify  unsafe.Pointer
}

// Load dlopens libzkfp and resolves its entry points.
func Load(path string) (Library, error) {
	if path == "" {
		return nil, errors.New("native module path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	dl := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if dl == nil {
		return nil, fmt.Errorf("dlopen: %s", C.GoString(C.dlerror()))
	}

	lib := &nativeLibrary{dl: dl}
	required := []struct {
		name string
		dst  *unsafe.Pointer
	}{
		{"ZKFPM_Init", &lib.init},
		{"ZKFPM_Terminate", &lib.terminate},
		{"ZKFPM_GetDeviceCount", &lib.count},
		{"ZKFPM_OpenDevice", &lib.open},
		{"ZKFPM_CloseDevice", &lib.closeDev},
		{"ZKFPM_AcquireFingerprint", &lib.acquire},
	}
	for _, entry := range required {
		sym := lookup(dl, entry.name)
		if sym == nil {
			C.dlclose(dl)
			return nil, fmt.Errorf("missing entry point %s", entry.name)
		}
		*entry.dst = sym
	}

	// Not every SDK build exports these; calls answer CodeNotSupported.
	lib.start = lookup(dl, "ZKFPM_StartCapture")
	lib.stop = lookup(dl, "ZKFPM_StopCapture")
	lib.match = lookup(dl, "ZKFPM_DBMatch")
	lib.identify = lookup(dl, "ZKFPM_DBIdentify")
	return lib, nil
}

func lookup(dl unsafe.Pointer, name string) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.dlsym(dl, cname)
}

func (l *nativeLibrary) Init() int {
	return int(C.zk_call_void(l.init))
}

func (l *nativeLibrary) Terminate() int {
	return int(C.zk_call_void(l.terminate))
}

func (l *nativeLibrary) GetDeviceCount() int {
	return int(C.zk_call_void(l.count))
}

func (l *nativeLibrary) OpenDevice(index int) Handle {
	return Handle(uintptr(C.zk_call_open(l.open, C.int(index))))
}

func (l *nativeLibrary) CloseDevice(h Handle) int {
	return int(C.zk_call_handle(l.closeDev, ptr(h)))
}

func (l *nativeLibrary) AcquireFingerprint(h Handle, image []byte, template []byte, templateLen *uint32) int {
	if len(image) == 0 || len(template) == 0 {
		return CodeNotSupported
	}
	return int(C.zk_call_acquire(
		l.acquire,
		ptr(h),
		(*C.uchar)(unsafe.Pointer(&image[0])),
		C.uint(len(image)),
		(*C.uchar)(unsafe.Pointer(&template[0])),
		(*C.uint)(unsafe.Pointer(templateLen)),
	))
}

func (l *nativeLibrary) StartCapture(h Handle) int {
	if l.start == nil {
		return CodeNotSupported
	}
	return int(C.zk_call_handle(l.start, ptr(h)))
}

func (l *nativeLibrary) StopCapture(h Handle) int {
	if l.stop == nil {
		return CodeNotSupported
	}
	return int(C.zk_call_handle(l.stop, ptr(h)))
}

func (l *nativeLibrary) DBMatch(h Handle, a, b []byte) int {
	if l.match == nil || len(a) == 0 || len(b) == 0 {
		return CodeNotSupported
	}
	return int(C.zk_call_match(
		l.match,
		ptr(h),
		(*C.uchar)(unsafe.Pointer(&a[0])),
		C.uint(len(a)),
		(*C.uchar)(unsafe.Pointer(&b[0])),
		C.uint(len(b)),
	))
}

func (l *nativeLibrary) DBIdentify(h Handle, template []byte) int {
	if l.identify == nil || len(template) == 0 {
		return CodeNotSupported
	}
	return int(C.zk_call_identify(
		l.identify,
		ptr(h),
		(*C.uchar)(unsafe.Pointer(&template[0])),
		C.uint(len(template)),
	))
}

func (l *nativeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dl == nil {
		return nil
	}
	rc := C.dlclose(l.dl)
	l.dl = nil
	l.init, l.terminate, l.count, l.open, l.closeDev = nil, nil, nil, nil, nil
	l.acquire, l.start, l.stop, l.match, l.identify = nil, nil, nil, nil, nil
	if rc != 0 {
		return fmt.Errorf("dlclose: %s", C.GoString(C.dlerror()))
	}
	return nil
}

// ptr turns a handle back into the C pointer the SDK gave us. The memory is
// owned by the SDK, never by the Go heap.
func ptr(h Handle) unsafe.Pointer {
	return unsafe.Pointer(uintptr(h))
}
