/*
Copyright (c) PacketScope and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tracer

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/cilium/ebpf"
	log "github.com/sirupsen/logrus"
)

// DumpVmlinuxHeader produces .cache/vmlinux.h from the running kernel's BTF.
// The generated program is compiled against this header, so every struct
// offset matches the kernel we attach to. Missing bpftool is a setup error.
func DumpVmlinuxHeader(bpftool, cacheDir string) (string, error) {
	path := filepath.Join(cacheDir, "vmlinux.h")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("unable to create %s: %w", path, err)
	}
	defer out.Close()

	cmd := exec.Command(bpftool, "btf", "dump", "file", "/sys/kernel/btf/vmlinux", "format", "c")
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("bpftool btf dump failed: %w: %s", err, stderr.String())
	}
	return path, nil
}

func bpfTargetArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "-D__TARGET_ARCH_arm64"
	default:
		return "-D__TARGET_ARCH_x86"
	}
}

// CompileSource writes the generated program text under cacheDir and
// compiles it to a BPF object with clang. A whole-program compile failure is
// fatal at startup: there is nothing to attach.
func CompileSource(clang, cacheDir, source string) (string, error) {
	srcPath := filepath.Join(cacheDir, "kprober_func.c")
	objPath := filepath.Join(cacheDir, "kprober_func.o")
	if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("unable to write program source: %w", err)
	}

	cmd := exec.Command(clang,
		"-O2", "-g", "-target", "bpf", bpfTargetArch(),
		"-I", cacheDir,
		"-Wno-unused-value", "-Wno-pointer-sign", "-Wno-compare-distinct-pointer-types",
		"-c", srcPath, "-o", objPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("clang failed on generated program: %w: %s", err, stderr.String())
	}
	log.Infof("compiled probe program: %s", objPath)
	return objPath, nil
}

// LoadCollection parses the compiled object into a loadable collection spec.
func LoadCollection(objPath string) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("unable to parse compiled object: %w", err)
	}
	return spec, nil
}
