package session

import (
	"encoding/binary"
	"errors"

	"github.com/appnet-org/proxyv2-adapter/internal/proxyv2"
)

// ErrMalformedBeginEx is returned by decodeBeginEx when the extension bytes
// carried on an app Begin are truncated or internally inconsistent.
var ErrMalformedBeginEx = errors.New("session: malformed begin extension")

// encodeBeginEx and decodeBeginEx are the wire format AppHalf's peer uses to
// hand a structured proxyv2.BeginEx (the address tuple and info list)
// across the Begin frame's opaque BeginEx field. This is a length-prefixed,
// big-endian record format private to this adapter's own Begin extension —
// distinct from, and decoded well before, the PROXY v2 wire header that
// NetHalf later produces from the result; it is not a PROXY header parser.
// EncodeBeginEx is the exported form of encodeBeginEx, for callers outside
// this package (e.g. the demo binary) that need to build a Begin frame's
// BeginEx bytes from a structured proxyv2.BeginEx.
func EncodeBeginEx(ex *proxyv2.BeginEx) []byte { return encodeBeginEx(ex) }

func encodeBeginEx(ex *proxyv2.BeginEx) []byte {
	if ex == nil {
		return nil
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(ex.Address.Family), byte(ex.Address.Protocol))
	switch ex.Address.Family {
	case proxyv2.FamilyInet, proxyv2.FamilyInet6:
		buf = appendBytes(buf, ex.Address.SrcIP)
		buf = appendBytes(buf, ex.Address.DstIP)
		buf = appendUint16(buf, ex.Address.SrcPort)
		buf = appendUint16(buf, ex.Address.DstPort)
	case proxyv2.FamilyUnix:
		buf = appendBytes(buf, ex.Address.SrcPath)
		buf = appendBytes(buf, ex.Address.DstPath)
	}

	buf = appendUint16(buf, uint16(len(ex.Infos)))
	for _, info := range ex.Infos {
		buf = append(buf, byte(info.Kind))
		if info.Kind == proxyv2.InfoSecure {
			buf = appendUint16(buf, uint16(len(info.SecureFields)))
			for _, f := range info.SecureFields {
				buf = append(buf, byte(f.Kind))
				buf = appendBytes(buf, f.Value)
			}
			continue
		}
		buf = appendBytes(buf, info.Value)
	}
	return buf
}

func decodeBeginEx(raw []byte) (*proxyv2.BeginEx, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) < 2 {
		return nil, ErrMalformedBeginEx
	}
	ex := &proxyv2.BeginEx{}
	ex.Address.Family = proxyv2.Family(raw[0])
	ex.Address.Protocol = proxyv2.Protocol(raw[1])
	off := 2

	var err error
	switch ex.Address.Family {
	case proxyv2.FamilyInet, proxyv2.FamilyInet6:
		if ex.Address.SrcIP, off, err = readBytes(raw, off); err != nil {
			return nil, err
		}
		if ex.Address.DstIP, off, err = readBytes(raw, off); err != nil {
			return nil, err
		}
		if ex.Address.SrcPort, off, err = readUint16(raw, off); err != nil {
			return nil, err
		}
		if ex.Address.DstPort, off, err = readUint16(raw, off); err != nil {
			return nil, err
		}
	case proxyv2.FamilyUnix:
		if ex.Address.SrcPath, off, err = readBytes(raw, off); err != nil {
			return nil, err
		}
		if ex.Address.DstPath, off, err = readBytes(raw, off); err != nil {
			return nil, err
		}
	}

	var infoCount uint16
	if infoCount, off, err = readUint16(raw, off); err != nil {
		return nil, err
	}
	for i := 0; i < int(infoCount); i++ {
		if off >= len(raw) {
			return nil, ErrMalformedBeginEx
		}
		kind := proxyv2.InfoKind(raw[off])
		off++
		info := proxyv2.Info{Kind: kind}
		if kind == proxyv2.InfoSecure {
			var fieldCount uint16
			if fieldCount, off, err = readUint16(raw, off); err != nil {
				return nil, err
			}
			for j := 0; j < int(fieldCount); j++ {
				if off >= len(raw) {
					return nil, ErrMalformedBeginEx
				}
				fk := proxyv2.SecureFieldKind(raw[off])
				off++
				var val []byte
				if val, off, err = readBytes(raw, off); err != nil {
					return nil, err
				}
				info.SecureFields = append(info.SecureFields, proxyv2.SecureField{Kind: fk, Value: val})
			}
		} else {
			if info.Value, off, err = readBytes(raw, off); err != nil {
				return nil, err
			}
		}
		ex.Infos = append(ex.Infos, info)
	}
	return ex, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint16(buf, uint16(len(v)))
	return append(buf, v...)
}

func readUint16(raw []byte, off int) (uint16, int, error) {
	if off+2 > len(raw) {
		return 0, 0, ErrMalformedBeginEx
	}
	return binary.BigEndian.Uint16(raw[off : off+2]), off + 2, nil
}

func readBytes(raw []byte, off int) ([]byte, int, error) {
	n, off, err := readUint16(raw, off)
	if err != nil {
		return nil, 0, err
	}
	if off+int(n) > len(raw) {
		return nil, 0, ErrMalformedBeginEx
	}
	return raw[off : off+int(n)], off + int(n), nil
}
