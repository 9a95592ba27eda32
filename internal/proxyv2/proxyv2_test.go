package proxyv2

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// decodedHeader is the private test-side mirror of an encoded header. This
// package never ships a decoder; these helpers exist solely to let tests
// verify round-trips against headers this package itself produced.
type decodedHeader struct {
	cmd      byte
	family   Family
	protocol Protocol
	address  Address
	infos    []Info
}

func decodeHeader(t *testing.T, buf []byte) decodedHeader {
	t.Helper()
	require.GreaterOrEqual(t, len(buf), 16)
	require.Equal(t, signature[:], buf[:SignatureSize])

	out := decodedHeader{cmd: buf[12]}
	if out.cmd == cmdLocal {
		return out
	}
	require.Equal(t, cmdProxy, out.cmd)

	familyProto := buf[13]
	out.family = Family(familyProto >> 4)
	out.protocol = Protocol(familyProto & 0x0F)

	length := binary.BigEndian.Uint16(buf[14:16])
	body := buf[16 : 16+int(length)]

	offset := 0
	switch out.family {
	case FamilyInet:
		out.address = Address{
			Family: FamilyInet, Protocol: out.protocol,
			SrcIP: append([]byte{}, body[0:4]...), DstIP: append([]byte{}, body[4:8]...),
			SrcPort: binary.BigEndian.Uint16(body[8:10]), DstPort: binary.BigEndian.Uint16(body[10:12]),
		}
		offset = 12
	case FamilyInet6:
		out.address = Address{
			Family: FamilyInet6, Protocol: out.protocol,
			SrcIP: append([]byte{}, body[0:16]...), DstIP: append([]byte{}, body[16:32]...),
			SrcPort: binary.BigEndian.Uint16(body[32:34]), DstPort: binary.BigEndian.Uint16(body[34:36]),
		}
		offset = 36
	case FamilyUnix:
		// UNIX paths carry no length prefix, so the address block cannot be
		// told apart from any TLVs after it; the whole body is left unparsed.
		offset = len(body)
	}

	for offset < len(body) {
		typ := body[offset]
		tlvLen := int(binary.BigEndian.Uint16(body[offset+1 : offset+3]))
		value := body[offset+3 : offset+3+tlvLen]

		if typ == tlvSecure {
			fields := decodeSecureFields(value[5:])
			out.infos = append(out.infos, Info{Kind: InfoSecure, SecureFields: fields})
		} else {
			out.infos = append(out.infos, Info{Kind: tlvToInfoKind(typ), Value: append([]byte{}, value...)})
		}
		offset += 3 + tlvLen
	}
	return out
}

func decodeSecureFields(body []byte) []SecureField {
	var fields []SecureField
	offset := 0
	for offset < len(body) {
		typ := body[offset]
		tlvLen := int(binary.BigEndian.Uint16(body[offset+1 : offset+3]))
		value := body[offset+3 : offset+3+tlvLen]
		fields = append(fields, SecureField{Kind: tlvToSecureFieldKind(typ), Value: append([]byte{}, value...)})
		offset += 3 + tlvLen
	}
	return fields
}

func tlvToInfoKind(typ byte) InfoKind {
	switch typ {
	case tlvALPN:
		return InfoALPN
	case tlvAuthority:
		return InfoAuthority
	case tlvIdentity:
		return InfoIdentity
	case tlvNamespace:
		return InfoNamespace
	default:
		return InfoUnknown
	}
}

func tlvToSecureFieldKind(typ byte) SecureFieldKind {
	switch typ {
	case tlvSSLProtocol:
		return SecureFieldProtocol
	case tlvSSLCommonName:
		return SecureFieldName
	case tlvSSLCipher:
		return SecureFieldCipher
	case tlvSSLSignature:
		return SecureFieldSignature
	case tlvSSLKey:
		return SecureFieldKey
	default:
		return SecureFieldUnknown
	}
}

func TestEncodeLocalProducesExactScenarioBytes(t *testing.T) {
	buf := make([]byte, 16)
	n, err := EncodeLocal(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, []byte{
		0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
		0x20, 0x00, 0x00, 0x00,
	}, buf)
}

func TestEncodeLocalRejectsShortBuffer(t *testing.T) {
	buf := make([]byte, 10)
	_, err := EncodeLocal(buf)
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestEncodeProxyInet(t *testing.T) {
	ex := &BeginEx{Address: Address{
		Family: FamilyInet, Protocol: ProtoStream,
		SrcIP: []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, 2},
		SrcPort: 443, DstPort: 56789,
	}}

	buf := make([]byte, Size(ex))
	n, err := EncodeProxy(buf, ex)
	require.NoError(t, err)
	require.Equal(t, 28, n)
	require.Equal(t, byte(0x11), buf[13], "INET/STREAM family-protocol byte")
	require.Equal(t, uint16(12), binary.BigEndian.Uint16(buf[14:16]))

	got := decodeHeader(t, buf[:n])
	require.Equal(t, ex.Address, got.address)
	require.Empty(t, got.infos)
}

func TestEncodeProxyInet6WithALPN(t *testing.T) {
	srcIP := make([]byte, 16)
	dstIP := make([]byte, 16)
	srcIP[15] = 1
	dstIP[15] = 2

	ex := &BeginEx{
		Address: Address{
			Family: FamilyInet6, Protocol: ProtoStream,
			SrcIP: srcIP, DstIP: dstIP, SrcPort: 443, DstPort: 12345,
		},
		Infos: []Info{{Kind: InfoALPN, Value: []byte("h2")}},
	}

	buf := make([]byte, Size(ex))
	n, err := EncodeProxy(buf, ex)
	require.NoError(t, err)
	require.Equal(t, 57, n)

	got := decodeHeader(t, buf[:n])
	require.Equal(t, ex.Address, got.address)
	require.Equal(t, []Info{{Kind: InfoALPN, Value: []byte("h2")}}, got.infos)
}

func TestEncodeProxyAggregatesContiguousSecureRun(t *testing.T) {
	ex := &BeginEx{
		Address: Address{Family: FamilyInet, Protocol: ProtoStream,
			SrcIP: []byte{1, 1, 1, 1}, DstIP: []byte{2, 2, 2, 2}, SrcPort: 1, DstPort: 2},
		Infos: []Info{
			{Kind: InfoALPN, Value: []byte("h2")},
			{Kind: InfoSecure, SecureFields: []SecureField{{Kind: SecureFieldProtocol, Value: []byte("TLSv1.3")}}},
			{Kind: InfoSecure, SecureFields: []SecureField{{Kind: SecureFieldCipher, Value: []byte("TLS_AES_128_GCM_SHA256")}}},
		},
	}

	buf := make([]byte, Size(ex))
	n, err := EncodeProxy(buf, ex)
	require.NoError(t, err)

	// Locate the SECURE TLV directly: it follows the 12-byte address block
	// and the 5-byte ALPN TLV (3 header + "h2").
	secureOffset := 16 + 12 + 5
	require.Equal(t, tlvSecure, buf[secureOffset])
	envLen := binary.BigEndian.Uint16(buf[secureOffset+1 : secureOffset+3])
	require.Equal(t, uint16(40), envLen)

	want := append([]byte{0x07, 0x00, 0x00, 0x00, 0x00},
		append([]byte{0x21, 0x00, 0x07}, []byte("TLSv1.3")...)...)
	want = append(want, append([]byte{0x23, 0x00, 0x16}, []byte("TLS_AES_128_GCM_SHA256")...)...)
	require.Equal(t, want, buf[secureOffset+3:secureOffset+3+int(envLen)])

	got := decodeHeader(t, buf[:n])
	require.Len(t, got.infos, 2)
	require.Equal(t, InfoALPN, got.infos[0].Kind)
	require.Equal(t, InfoSecure, got.infos[1].Kind)
	require.Equal(t, []SecureField{
		{Kind: SecureFieldProtocol, Value: []byte("TLSv1.3")},
		{Kind: SecureFieldCipher, Value: []byte("TLS_AES_128_GCM_SHA256")},
	}, got.infos[1].SecureFields)
}

func TestEncodeProxyDoesNotMergeNonContiguousSecureRuns(t *testing.T) {
	ex := &BeginEx{
		Address: Address{Family: FamilyInet, Protocol: ProtoStream,
			SrcIP: []byte{1, 1, 1, 1}, DstIP: []byte{2, 2, 2, 2}, SrcPort: 1, DstPort: 2},
		Infos: []Info{
			{Kind: InfoSecure, SecureFields: []SecureField{{Kind: SecureFieldProtocol, Value: []byte("TLSv1.3")}}},
			{Kind: InfoALPN, Value: []byte("h2")},
			{Kind: InfoSecure, SecureFields: []SecureField{{Kind: SecureFieldCipher, Value: []byte("AES")}}},
		},
	}

	buf := make([]byte, Size(ex))
	n, err := EncodeProxy(buf, ex)
	require.NoError(t, err)

	got := decodeHeader(t, buf[:n])
	require.Len(t, got.infos, 3, "two separate SECURE runs must stay as two separate envelopes")
	require.Equal(t, InfoSecure, got.infos[0].Kind)
	require.Equal(t, InfoALPN, got.infos[1].Kind)
	require.Equal(t, InfoSecure, got.infos[2].Kind)
}

func TestEncodeProxyUnixAddress(t *testing.T) {
	ex := &BeginEx{Address: Address{
		Family: FamilyUnix, Protocol: ProtoStream,
		SrcPath: []byte("/var/run/src.sock"), DstPath: []byte("/var/run/dst.sock"),
	}}

	buf := make([]byte, Size(ex))
	n, err := EncodeProxy(buf, ex)
	require.NoError(t, err)
	require.Equal(t, byte(0x31), buf[13], "UNIX/STREAM family-protocol byte")

	got := decodeHeader(t, buf[:n])
	require.Equal(t, FamilyUnix, got.family)
}

func TestEncodeProxyRejectsUnknownFamily(t *testing.T) {
	ex := &BeginEx{Address: Address{Family: Family(0x0F), Protocol: ProtoStream}}
	buf := make([]byte, 64)
	_, err := EncodeProxy(buf, ex)
	require.ErrorIs(t, err, ErrUnknownFamily)
}

func TestEncodeProxyWithConfigAppliesCanonicalSecureFieldOrder(t *testing.T) {
	ex := &BeginEx{
		Address: Address{Family: FamilyInet, Protocol: ProtoStream,
			SrcIP: []byte{1, 1, 1, 1}, DstIP: []byte{2, 2, 2, 2}, SrcPort: 1, DstPort: 2},
		Infos: []Info{
			{Kind: InfoSecure, SecureFields: []SecureField{
				{Kind: SecureFieldCipher, Value: []byte("AES")},
				{Kind: SecureFieldProtocol, Value: []byte("TLSv1.3")},
			}},
		},
	}

	buf := make([]byte, Size(ex))
	n, err := EncodeProxyWithConfig(buf, ex, Config{CanonicalSecureFieldOrder: true})
	require.NoError(t, err)

	got := decodeHeader(t, buf[:n])
	require.Equal(t, []SecureField{
		{Kind: SecureFieldProtocol, Value: []byte("TLSv1.3")},
		{Kind: SecureFieldCipher, Value: []byte("AES")},
	}, got.infos[0].SecureFields, "canonical order must place Protocol before Cipher regardless of declaration order")
}

func TestEncodeProxyRejectsShortBuffer(t *testing.T) {
	ex := &BeginEx{Address: Address{
		Family: FamilyInet, Protocol: ProtoStream,
		SrcIP: []byte{1, 1, 1, 1}, DstIP: []byte{2, 2, 2, 2}, SrcPort: 1, DstPort: 2,
	}}
	buf := make([]byte, 4)
	_, err := EncodeProxy(buf, ex)
	require.ErrorIs(t, err, ErrBufferTooSmall)
}
