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

import "fmt"

// Wire format. Every message is two header words followed by N payload words.
//
// Control word (word 0):
//
//	31:24  format tag (0 is the only defined format)
//	23:16  payload length in dwords
//	15:0   fence
//
// Protocol word (word 1, "HXG"):
//
//	31     origin (0 = host, 1 = device)
//	30:28  type
//	27:0   action (requests, events) or status (responses)
const (
	msgHeaderWords  = 2
	maxPayloadWords = 255
	maxMsgWords     = msgHeaderWords + maxPayloadWords

	msgFormatShift = 24
	msgLenShift    = 16
	msgLenMask     = 0xff
	msgFenceMask   = 0xffff

	hxgOriginShift = 31
	hxgTypeShift   = 28
	hxgTypeMask    = 0x7
	hxgValueMask   = 0x0fffffff
)

// Origin identifies which side of the link produced a message.
type Origin uint8

const (
	OriginHost   Origin = 0
	OriginDevice Origin = 1
)

// MsgType is the protocol word type field.
type MsgType uint8

// Type codes. The gaps are reserved by the protocol.
const (
	TypeRequest         MsgType = 0
	TypeFastRequest     MsgType = 1
	TypeEvent           MsgType = 2
	TypeNoResponseRetry MsgType = 5
	TypeResponseFailure MsgType = 6
	TypeResponseSuccess MsgType = 7
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeFastRequest:
		return "FAST_REQUEST"
	case TypeEvent:
		return "EVENT"
	case TypeNoResponseRetry:
		return "NO_RESPONSE_RETRY"
	case TypeResponseFailure:
		return "RESPONSE_FAILURE"
	case TypeResponseSuccess:
		return "RESPONSE_SUCCESS"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// isResponse reports whether the type resolves a pending request.
func (t MsgType) isResponse() bool {
	return t == TypeResponseSuccess || t == TypeResponseFailure || t == TypeNoResponseRetry
}

// Message is one decoded transport message. Payload bodies are opaque dwords
// to the transport. Value carries the low 28 bits of the protocol word: the
// action code for requests and events, the status for responses.
type Message struct {
	Fence   uint16
	Format  uint8
	Origin  Origin
	Type    MsgType
	Value   uint32
	Payload []uint32
}

// Action returns the 16-bit action code of a request or event.
func (m *Message) Action() uint32 {
	return m.Value & 0xffff
}

// Size returns the on-wire size of the message in words.
func (m *Message) Size() uint32 {
	return msgHeaderWords + uint32(len(m.Payload))
}

// Encode serializes the message into dst, which must hold Size() words.
func (m *Message) Encode(dst []uint32) error {
	if len(m.Payload) > maxPayloadWords {
		return ErrMsgTooLarge
	}
	if uint32(len(dst)) < m.Size() {
		return fmt.Errorf("ct: encode buffer too small: %d < %d", len(dst), m.Size())
	}
	dst[0] = uint32(m.Format)<<msgFormatShift |
		uint32(len(m.Payload))<<msgLenShift |
		uint32(m.Fence)
	dst[1] = uint32(m.Origin)<<hxgOriginShift |
		uint32(m.Type)<<hxgTypeShift |
		m.Value&hxgValueMask
	copy(dst[msgHeaderWords:], m.Payload)
	return nil
}

// decodeHeader extracts the declared total size of a message from its
// control word without consuming the rest.
func declaredSize(control uint32) uint32 {
	return msgHeaderWords + (control>>msgLenShift)&msgLenMask
}

// DecodeMessage parses one message from words. The slice must contain
// exactly the message: two header words plus the declared payload.
func DecodeMessage(words []uint32) (*Message, error) {
	if len(words) < msgHeaderWords {
		return nil, fmt.Errorf("ct: message truncated: %d words: %w", len(words), ErrCorrupt)
	}
	control, hxg := words[0], words[1]
	n := (control >> msgLenShift) & msgLenMask
	if uint32(len(words)) != msgHeaderWords+n {
		return nil, fmt.Errorf("ct: declared %d payload words, have %d: %w",
			n, len(words)-msgHeaderWords, ErrCorrupt)
	}
	m := &Message{
		Fence:  uint16(control & msgFenceMask),
		Format: uint8(control >> msgFormatShift),
		Origin: Origin(hxg >> hxgOriginShift),
		Type:   MsgType((hxg >> hxgTypeShift) & hxgTypeMask),
		Value:  hxg & hxgValueMask,
	}
	if n > 0 {
		m.Payload = make([]uint32, n)
		copy(m.Payload, words[msgHeaderWords:])
	}
	return m, nil
}
