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

// FaultInjector lets tests fail sends at the point where the message would
// be committed to the ring. The writer consults it after all credit checks
// pass; a non-nil error aborts the send with no side effects.
type FaultInjector interface {
	BeforeSend(action uint32) error
}

type nopFaultInjector struct{}

func (nopFaultInjector) BeforeSend(uint32) error { return nil }
