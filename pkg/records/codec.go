// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package records

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Shard files use length-prefixed framing: an 8-byte little-endian payload
// length, a masked CRC32-C of the length bytes, the payload, and a masked
// CRC32-C of the payload. This is the framing the training stack's record
// readers expect and is fixed as an internal contract.

const crcMaskDelta = 0xa282ead8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	return ((c >> 15) | (c << 17)) + crcMaskDelta
}

// writeFrame serializes one record to w.
func writeFrame(w io.Writer, payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:12], maskedCRC(header[:8]))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))
	_, err := w.Write(footer[:])
	return err
}

// readFrame reads one record from r, validating both checksums. It returns
// io.EOF cleanly at the end of a well-formed stream.
func readFrame(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("truncated record header: %w", err)
	}
	if got, want := binary.LittleEndian.Uint32(header[8:12]), maskedCRC(header[:8]); got != want {
		return nil, fmt.Errorf("record length checksum mismatch: got %#x, want %#x", got, want)
	}
	length := binary.LittleEndian.Uint64(header[:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated record payload: %w", err)
	}
	var footer [4]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, fmt.Errorf("truncated record footer: %w", err)
	}
	if got, want := binary.LittleEndian.Uint32(footer[:]), maskedCRC(payload); got != want {
		return nil, fmt.Errorf("record payload checksum mismatch: got %#x, want %#x", got, want)
	}
	return payload, nil
}

// countFrames reads a whole shard stream and returns the number of records.
func countFrames(r io.Reader) (int, error) {
	n := 0
	for {
		if _, err := readFrame(r); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		n++
	}
}
