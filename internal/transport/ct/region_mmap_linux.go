/*
 * Copyright 2025 Intel Corporation
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ct

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"
)

func init() {
	unmapMemory = munmapImpl
}

// CreateRegion creates a new file-backed shared region so another process
// can open the same channel memory. The creating side initializes the
// header and descriptors.
func CreateRegion(name string, sendWords, recvWords uint32) (*Region, error) {
	path := regionPath(name)

	layout, err := CalculateRegionLayout(sendWords, recvWords)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("ct: create region file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(layout.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("ct: resize region file: %w", err)
	}

	mem, err := mmapFile(file, int(layout.TotalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ct: mmap region: %w", err)
	}

	r := newRegionViews(mem, layout)
	r.file = file
	r.path = path
	r.initHeader()
	return r, nil
}

// OpenRegion maps an existing file-backed region and validates its header.
func OpenRegion(name string) (*Region, error) {
	path := regionPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ct: open region file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("ct: stat region file: %w", err)
	}
	if info.Size() < RegionHeaderSize {
		file.Close()
		return nil, fmt.Errorf("ct: region file too small: %d bytes", info.Size())
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("ct: mmap region: %w", err)
	}

	hdr := (*regionHeader)(unsafe.Pointer(&mem[0]))
	layout := RegionLayout{
		TotalSize:    uint32(hdr.totalSize),
		SendDescOff:  hdr.sendDescOff,
		RecvDescOff:  hdr.recvDescOff,
		SendBufOff:   hdr.sendBufOff,
		SendBufWords: hdr.sendBufWords,
		RecvBufOff:   hdr.recvBufOff,
		RecvBufWords: hdr.recvBufWords,
	}
	if layout.SendBufWords < MinRingWords || layout.RecvBufWords < MinRingWords ||
		uint64(layout.TotalSize) > uint64(len(mem)) {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("ct: region header invalid: %w", ErrCorrupt)
	}

	r := newRegionViews(mem, layout)
	r.file = file
	r.path = path
	if err := r.validateHeader(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// RemoveRegion removes a region file left behind by a previous run.
func RemoveRegion(name string) error {
	err := os.Remove(regionPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func regionPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "ct_"+name)
	}
	return filepath.Join(os.TempDir(), "ct_"+name)
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := syscall.Mmap(int(file.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
