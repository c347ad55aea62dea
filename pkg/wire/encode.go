package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// Primitive encoding helpers - Go types -> wire format.
//
// Unlike the XDR codec these helpers are modeled on, IDSCP2's wire format is
// a flat length-prefixed record, not 4-byte aligned: no padding is written
// after variable-length fields.
// ============================================================================

func writeUint32(buf *bytes.Buffer, v uint32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}
	return nil
}

func writeBool(buf *bytes.Buffer, v bool) error {
	var b byte
	if v {
		b = 1
	}
	return buf.WriteByte(b)
}

// writeBytes encodes a length-prefixed byte string: [length:uint32][data].
func writeBytes(buf *bytes.Buffer, data []byte) error {
	if err := writeUint32(buf, uint32(len(data))); err != nil {
		return fmt.Errorf("write bytes length: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write bytes data: %w", err)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeBytes(buf, []byte(s))
}

func writeStringSlice(buf *bytes.Buffer, ss []string) error {
	if err := writeUint32(buf, uint32(len(ss))); err != nil {
		return fmt.Errorf("write string slice count: %w", err)
	}
	for _, s := range ss {
		if err := writeString(buf, s); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes msg into its IDSCP message body (no length-prefix frame;
// see WriteFrame for that). The first byte is always the variant tag.
func Encode(msg Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := buf.WriteByte(byte(msg.Tag())); err != nil {
		return nil, fmt.Errorf("write tag: %w", err)
	}

	var err error
	switch m := msg.(type) {
	case Hello:
		err = encodeHello(buf, m)
	case *Hello:
		err = encodeHello(buf, *m)
	case Close:
		err = encodeClose(buf, m)
	case *Close:
		err = encodeClose(buf, *m)
	case DatExpired:
	case *DatExpired:
	case Dat:
		err = writeBytes(buf, m.Token)
	case *Dat:
		err = writeBytes(buf, m.Token)
	case RaProver:
		err = writeBytes(buf, m.Data)
	case *RaProver:
		err = writeBytes(buf, m.Data)
	case RaVerifier:
		err = writeBytes(buf, m.Data)
	case *RaVerifier:
		err = writeBytes(buf, m.Data)
	case ReRa:
		err = writeString(buf, m.Cause)
	case *ReRa:
		err = writeString(buf, m.Cause)
	case Ack:
		err = writeBool(buf, m.AlternatingBit)
	case *Ack:
		err = writeBool(buf, m.AlternatingBit)
	case Data:
		err = encodeData(buf, m)
	case *Data:
		err = encodeData(buf, *m)
	default:
		return nil, fmt.Errorf("wire: encode: unknown message type %T", msg)
	}
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeHello(buf *bytes.Buffer, m Hello) error {
	if err := writeBytes(buf, m.Dat); err != nil {
		return fmt.Errorf("hello dat: %w", err)
	}
	if err := writeStringSlice(buf, m.SupportedRa); err != nil {
		return fmt.Errorf("hello supported_ra: %w", err)
	}
	if err := writeStringSlice(buf, m.ExpectedRa); err != nil {
		return fmt.Errorf("hello expected_ra: %w", err)
	}
	return nil
}

func encodeData(buf *bytes.Buffer, m Data) error {
	if err := writeBytes(buf, m.Payload); err != nil {
		return fmt.Errorf("data payload: %w", err)
	}
	return writeBool(buf, m.AlternatingBit)
}

func encodeClose(buf *bytes.Buffer, m Close) error {
	if err := writeString(buf, m.Reason); err != nil {
		return fmt.Errorf("close reason: %w", err)
	}
	return buf.WriteByte(byte(m.Cause))
}
