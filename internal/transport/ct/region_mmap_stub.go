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

//go:build !linux

package ct

// File-backed regions need mmap; only memory-backed regions are available
// on non-Linux platforms.

func CreateRegion(name string, sendWords, recvWords uint32) (*Region, error) {
	return nil, ErrNotSupported
}

func OpenRegion(name string) (*Region, error) {
	return nil, ErrNotSupported
}

func RemoveRegion(name string) error {
	return ErrNotSupported
}
