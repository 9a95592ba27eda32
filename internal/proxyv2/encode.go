package proxyv2

import (
	"encoding/binary"
	"errors"
)

// ErrUnknownFamily is returned at encode time for a BeginEx carrying an
// unrecognized address family, rather than silently leaving the family
// byte uninitialized.
var ErrUnknownFamily = errors.New("proxyv2: unknown address family")

// ErrBufferTooSmall is returned when the destination buffer cannot hold the
// encoded header; callers should size buffers with Size(ex) first.
var ErrBufferTooSmall = errors.New("proxyv2: destination buffer too small")

// Config tunes encoder behavior with more than one valid wire
// representation. The zero value matches EncodeProxy's default.
type Config struct {
	// CanonicalSecureFieldOrder, when true, emits each SECURE envelope's
	// sub-fields in a fixed Protocol/Name/Cipher/Signature/Key order
	// instead of the order the caller declared them in.
	CanonicalSecureFieldOrder bool
}

// DefaultConfig returns the declaration-order default Config.
func DefaultConfig() Config {
	return Config{}
}

var canonicalSecureFieldOrder = []SecureFieldKind{
	SecureFieldProtocol, SecureFieldName, SecureFieldCipher, SecureFieldSignature, SecureFieldKey,
}

// EncodeLocal writes a LOCAL-command header (no address, no TLVs) into buf
// and returns the number of bytes written (always 16).
func EncodeLocal(buf []byte) (int, error) {
	if len(buf) < 16 {
		return 0, ErrBufferTooSmall
	}
	copy(buf[:SignatureSize], signature[:])
	buf[12] = cmdLocal
	buf[13] = 0x00
	buf[14] = 0x00
	buf[15] = 0x00
	return 16, nil
}

// EncodeProxy writes a PROXY-command header for ex into buf using the
// default Config and returns the number of bytes written.
func EncodeProxy(buf []byte, ex *BeginEx) (int, error) {
	return EncodeProxyWithConfig(buf, ex, DefaultConfig())
}

// EncodeProxyWithConfig is EncodeProxy with an explicit Config. It
// validates the address family before writing anything past the
// signature, so a rejected encode never leaves a partially-written header
// in buf.
func EncodeProxyWithConfig(buf []byte, ex *BeginEx, cfg Config) (int, error) {
	familyNibble, ok := familyNibbleOf(ex.Address.Family)
	if !ok {
		return 0, ErrUnknownFamily
	}

	need := Size(ex)
	if len(buf) < need {
		return 0, ErrBufferTooSmall
	}

	copy(buf[:SignatureSize], signature[:])
	buf[12] = cmdProxy
	buf[13] = (familyNibble << 4) | byte(ex.Address.Protocol)

	offset, err := encodeAddress(buf, 16, ex.Address)
	if err != nil {
		return 0, err
	}
	offset = encodeInfos(buf, offset, ex.Infos, cfg)

	length := offset - 16
	binary.BigEndian.PutUint16(buf[14:16], uint16(length))
	return offset, nil
}

// Size returns an upper bound on the encoded size of ex, suitable for
// sizing a buffer-pool slot before calling EncodeProxy.
func Size(ex *BeginEx) int {
	total := 16 + addressSize(ex.Address)
	i := 0
	for i < len(ex.Infos) {
		item := ex.Infos[i]
		if item.Kind == InfoSecure {
			total += 1 + 2 + 5 // envelope header + client/verify preamble
			for i < len(ex.Infos) && ex.Infos[i].Kind == InfoSecure {
				for _, f := range ex.Infos[i].SecureFields {
					total += 3 + len(f.Value)
				}
				i++
			}
			continue
		}
		total += 3 + len(item.Value)
		i++
	}
	return total
}

func addressSize(a Address) int {
	switch a.Family {
	case FamilyInet:
		return 12
	case FamilyInet6:
		return 36
	case FamilyUnix:
		return len(a.SrcPath) + len(a.DstPath)
	default:
		return 0
	}
}

func familyNibbleOf(f Family) (byte, bool) {
	switch f {
	case FamilyInet:
		return 0x1, true
	case FamilyInet6:
		return 0x2, true
	case FamilyUnix:
		return 0x3, true
	default:
		return 0, false
	}
}

func encodeAddress(buf []byte, offset int, a Address) (int, error) {
	switch a.Family {
	case FamilyInet:
		copy(buf[offset:offset+4], a.SrcIP)
		copy(buf[offset+4:offset+8], a.DstIP)
		binary.BigEndian.PutUint16(buf[offset+8:offset+10], a.SrcPort)
		binary.BigEndian.PutUint16(buf[offset+10:offset+12], a.DstPort)
		return offset + 12, nil
	case FamilyInet6:
		copy(buf[offset:offset+16], a.SrcIP)
		copy(buf[offset+16:offset+32], a.DstIP)
		binary.BigEndian.PutUint16(buf[offset+32:offset+34], a.SrcPort)
		binary.BigEndian.PutUint16(buf[offset+34:offset+36], a.DstPort)
		return offset + 36, nil
	case FamilyUnix:
		n := copy(buf[offset:], a.SrcPath)
		n += copy(buf[offset+n:], a.DstPath)
		return offset + n, nil
	default:
		return 0, ErrUnknownFamily
	}
}

// encodeInfos walks the info list in order, emitting non-SECURE items
// directly; on encountering a SECURE item, it absorbs every consecutive
// SECURE item into one 0x20 envelope TLV, then back-patches the envelope's
// 16-bit length. Only the first contiguous run aggregates into one
// envelope — a later, non-contiguous run produces a second envelope, so
// byte-identical runs at different points in the list aren't silently
// merged into one. Unrecognized info kinds are skipped (advance past them
// without emitting).
func encodeInfos(buf []byte, offset int, infos []Info, cfg Config) int {
	i := 0
	for i < len(infos) {
		item := infos[i]
		if item.Kind == InfoSecure {
			offset, i = encodeSecureRun(buf, offset, infos, i, cfg)
			continue
		}

		typ, ok := infoTLVType(item.Kind)
		if !ok {
			i++
			continue
		}
		offset = putTLV(buf, offset, typ, item.Value)
		i++
	}
	return offset
}

func encodeSecureRun(buf []byte, offset int, infos []Info, start int, cfg Config) (int, int) {
	buf[offset] = tlvSecure
	lengthOffset := offset + 1
	contentStart := offset + 3

	buf[contentStart] = 0x07 // client flags, literal
	binary.BigEndian.PutUint32(buf[contentStart+1:contentStart+5], 0x00000000)
	progress := contentStart + 5

	i := start
	var fields []SecureField
	for i < len(infos) && infos[i].Kind == InfoSecure {
		fields = append(fields, infos[i].SecureFields...)
		i++
	}
	if cfg.CanonicalSecureFieldOrder {
		fields = orderSecureFields(fields)
	}
	for _, f := range fields {
		typ, ok := secureFieldTLVType(f.Kind)
		if !ok {
			continue
		}
		progress = putTLV(buf, progress, typ, f.Value)
	}

	envLen := progress - lengthOffset - 2
	binary.BigEndian.PutUint16(buf[lengthOffset:lengthOffset+2], uint16(envLen))
	return progress, i
}

// orderSecureFields returns fields reordered into the fixed canonical
// sequence, preserving relative order among fields that share a kind.
func orderSecureFields(fields []SecureField) []SecureField {
	ordered := make([]SecureField, 0, len(fields))
	for _, kind := range canonicalSecureFieldOrder {
		for _, f := range fields {
			if f.Kind == kind {
				ordered = append(ordered, f)
			}
		}
	}
	return ordered
}

func putTLV(buf []byte, offset int, typ byte, value []byte) int {
	buf[offset] = typ
	binary.BigEndian.PutUint16(buf[offset+1:offset+3], uint16(len(value)))
	copy(buf[offset+3:], value)
	return offset + 3 + len(value)
}

func infoTLVType(k InfoKind) (byte, bool) {
	switch k {
	case InfoALPN:
		return tlvALPN, true
	case InfoAuthority:
		return tlvAuthority, true
	case InfoIdentity:
		return tlvIdentity, true
	case InfoNamespace:
		return tlvNamespace, true
	default:
		return 0, false
	}
}

func secureFieldTLVType(k SecureFieldKind) (byte, bool) {
	switch k {
	case SecureFieldProtocol:
		return tlvSSLProtocol, true
	case SecureFieldName:
		return tlvSSLCommonName, true
	case SecureFieldCipher:
		return tlvSSLCipher, true
	case SecureFieldSignature:
		return tlvSSLSignature, true
	case SecureFieldKey:
		return tlvSSLKey, true
	default:
		return 0, false
	}
}
