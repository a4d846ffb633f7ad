// Package backend moves host arrays on and off the ONNX runtime.
//
// It owns runtime environment initialization (shared library discovery) and
// the pure data-movement conversions between tensor.Dense and ort tensors.
// Sessions themselves live in the inference package.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"github.com/zeropipe/zeropipe/tensor"
)

var initOnce sync.Once
var initErr error

// Initialize prepares the ONNX runtime environment exactly once. On Linux the
// shared library is resolved from ORT_SHARED_LIBRARY_PATH or a handful of
// conventional names next to the working directory.
func Initialize() error {
	initOnce.Do(func() {
		if runtime.GOOS == "linux" {
			if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
				ort.SetSharedLibraryPath(p)
			} else {
				cwd, _ := os.Getwd()
				candidates := []string{
					"libonnxruntime.so",
					"libonnxruntime.so.1",
				}
				for _, name := range candidates {
					abs := filepath.Join(cwd, name)
					if _, err := os.Stat(abs); err == nil {
						ort.SetSharedLibraryPath(abs)
						break
					}
				}
			}
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return fmt.Errorf("initialize onnx runtime: %w", initErr)
	}
	return nil
}

// ToDeviceTensors converts host arrays into runtime tensors. Data is copied so
// the caller may keep mutating the host arrays while the runtime holds the
// tensors.
func ToDeviceTensors(arrays []*tensor.Dense) ([]*ort.Tensor[float32], error) {
	out := make([]*ort.Tensor[float32], 0, len(arrays))
	for i, a := range arrays {
		data := make([]float32, len(a.Data))
		copy(data, a.Data)
		tn, err := ort.NewTensor(toShape(a.Shape), data)
		if err != nil {
			DestroyAll(out)
			return nil, fmt.Errorf("create tensor %d: %w", i, err)
		}
		out = append(out, tn)
	}
	return out, nil
}

// ToHostArrays copies runtime tensors back into plain host arrays. The copies
// are independent of the runtime-owned buffers, so the source tensors can be
// destroyed immediately afterwards.
func ToHostArrays(values []*ort.Tensor[float32]) []*tensor.Dense {
	out := make([]*tensor.Dense, len(values))
	for i, v := range values {
		src := v.GetData()
		data := make([]float32, len(src))
		copy(data, src)
		out[i] = &tensor.Dense{Shape: fromShape(v.GetShape()), Data: data}
	}
	return out
}

// DestroyAll releases runtime tensors, tolerating nils.
func DestroyAll(values []*ort.Tensor[float32]) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

func toShape(shape []int) ort.Shape {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}

func fromShape(s ort.Shape) []int {
	dims := make([]int, len(s))
	for i, d := range s {
		dims[i] = int(d)
	}
	return dims
}
