package pi18

import (
	"fmt"
)

// Frame delimiters and prefixes.
const (
	frameStart = '^'
	frameEnd   = '\r'

	prefixQuery   = 'P'
	prefixSetting = 'S'
	prefixData    = 'D'
	prefixAck     = '1'
	prefixNak     = '0'
)

// lengthOverhead is added to the command/payload length in the nnn
// field: two CRC bytes plus the trailing carriage return.
const lengthOverhead = 3

// ResponseKind classifies a parsed inverter response.
type ResponseKind int

const (
	// ResponseData is a ^Dnnn frame carrying comma-separated fields.
	ResponseData ResponseKind = iota

	// ResponseAck is a ^1 frame: setting accepted.
	ResponseAck

	// ResponseNak is a ^0 frame: setting rejected.
	ResponseNak
)

// Response is a decoded inverter frame.
type Response struct {
	Kind ResponseKind

	// Payload holds the comma-separated field text for ResponseData
	// frames. Empty for acks.
	Payload string
}

// crc16 computes CRC-16/XMODEM (poly 0x1021, init 0) over data.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// crcBytes splits a CRC into wire bytes. The inverter firmware cannot
// transmit 0x28, 0x0d or 0x0a inside the CRC (they collide with its
// framing characters), so those values are incremented by one.
func crcBytes(crc uint16) (hi, lo byte) {
	hi = byte(crc >> 8)
	lo = byte(crc)
	if hi == 0x28 || hi == 0x0d || hi == 0x0a {
		hi++
	}
	if lo == 0x28 || lo == 0x0d || lo == 0x0a {
		lo++
	}
	return hi, lo
}

// EncodeQuery builds a ^Pnnn query frame for the given command text.
//
// Example: EncodeQuery("GS") produces ^P005GS<crc><cr>.
func EncodeQuery(cmd string) []byte {
	return encodeRequest(prefixQuery, cmd)
}

// EncodeSetting builds a ^Snnn setting frame for the given command text.
//
// Example: EncodeSetting("POP01") produces ^S008POP01<crc><cr>.
func EncodeSetting(cmd string) []byte {
	return encodeRequest(prefixSetting, cmd)
}

func encodeRequest(prefix byte, cmd string) []byte {
	head := fmt.Sprintf("%c%c%03d%s", frameStart, prefix, len(cmd)+lengthOverhead, cmd)
	hi, lo := crcBytes(crc16([]byte(head)))

	frame := make([]byte, 0, len(head)+lengthOverhead)
	frame = append(frame, head...)
	frame = append(frame, hi, lo, frameEnd)
	return frame
}

// ParseResponse decodes a raw inverter frame (including the trailing
// carriage return) into a Response.
//
// Data frames have their declared length and CRC verified. Ack/nak
// frames carry a CRC too but some firmware revisions truncate it, so
// it is only checked when present.
//
// Returns:
//   - Response: The decoded frame
//   - error: ErrMalformedResponse or ErrCRCMismatch on bad frames
func ParseResponse(raw []byte) (Response, error) {
	// Strip trailing CR if present
	if n := len(raw); n > 0 && raw[n-1] == frameEnd {
		raw = raw[:n-1]
	}

	if len(raw) < 2 || raw[0] != frameStart {
		return Response{}, fmt.Errorf("%w: missing frame start", ErrMalformedResponse)
	}

	switch raw[1] {
	case prefixAck:
		return Response{Kind: ResponseAck}, nil
	case prefixNak:
		return Response{Kind: ResponseNak}, nil
	case prefixData:
		return parseDataFrame(raw)
	default:
		return Response{}, fmt.Errorf("%w: unknown prefix %q", ErrMalformedResponse, raw[1])
	}
}

// parseDataFrame validates and unwraps a ^Dnnn frame.
// raw has the frame start but no trailing CR.
func parseDataFrame(raw []byte) (Response, error) {
	// ^D + 3 length digits + 2 CRC bytes minimum
	if len(raw) < 7 {
		return Response{}, fmt.Errorf("%w: data frame too short (%d bytes)", ErrMalformedResponse, len(raw))
	}

	var declared int
	if _, err := fmt.Sscanf(string(raw[2:5]), "%3d", &declared); err != nil {
		return Response{}, fmt.Errorf("%w: bad length field %q", ErrMalformedResponse, raw[2:5])
	}

	payload := raw[5 : len(raw)-2]
	if declared != len(payload)+lengthOverhead {
		return Response{}, fmt.Errorf("%w: declared length %d, payload %d bytes",
			ErrMalformedResponse, declared, len(payload))
	}

	hi, lo := crcBytes(crc16(raw[:len(raw)-2]))
	if raw[len(raw)-2] != hi || raw[len(raw)-1] != lo {
		return Response{}, fmt.Errorf("%w: got %02x%02x, want %02x%02x",
			ErrCRCMismatch, raw[len(raw)-2], raw[len(raw)-1], hi, lo)
	}

	return Response{Kind: ResponseData, Payload: string(payload)}, nil
}
