// Package proxyv2 implements the PROXY protocol v2 binary header encoder:
// signature, version/command byte, family/protocol byte, address block,
// and TLV info list, matching HAProxy's PROXY protocol v2 byte-for-byte.
// Encoding only — parsing inbound headers is out of scope; round-trip
// verification in tests decodes headers this package itself produced, as a
// private test helper, not a shipped capability.
package proxyv2

// Family selects the address-tuple variant.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyInet   Family = 1
	FamilyInet6  Family = 2
	FamilyUnix   Family = 3
)

// Protocol is the transport-protocol ordinal carried alongside the family.
type Protocol uint8

const (
	ProtoUnspec Protocol = 0
	ProtoStream Protocol = 1
	ProtoDgram  Protocol = 2
)

// Address is the tagged union over INET4/INET6/UNIX address tuples.
type Address struct {
	Family   Family
	Protocol Protocol

	// INET / INET6
	SrcIP   []byte // 4 bytes for FamilyInet, 16 for FamilyInet6
	DstIP   []byte
	SrcPort uint16
	DstPort uint16

	// UNIX
	SrcPath []byte
	DstPath []byte
}

// InfoKind discriminates the info-item variants an encoded BeginEx may
// carry.
type InfoKind uint8

const (
	InfoUnknown   InfoKind = 0
	InfoALPN      InfoKind = 1
	InfoAuthority InfoKind = 2
	InfoIdentity  InfoKind = 3
	InfoSecure    InfoKind = 4
	InfoNamespace InfoKind = 5
)

// SecureFieldKind discriminates the sub-records nested inside a SECURE
// envelope TLV.
type SecureFieldKind uint8

const (
	SecureFieldUnknown   SecureFieldKind = 0
	SecureFieldProtocol  SecureFieldKind = 1
	SecureFieldName      SecureFieldKind = 2
	SecureFieldCipher    SecureFieldKind = 3
	SecureFieldSignature SecureFieldKind = 4
	SecureFieldKey       SecureFieldKind = 5
)

// SecureField is one constituent of a SECURE info item.
type SecureField struct {
	Kind  SecureFieldKind
	Value []byte
}

// Info is one entry of the BeginEx info list. For InfoSecure, SecureFields
// carries the item's own nested fields (a single SECURE item may itself
// bundle more than one field); for every other kind, Value carries the raw
// TLV payload.
type Info struct {
	Kind         InfoKind
	Value        []byte
	SecureFields []SecureField
}

// BeginEx is the optional PROXY extension carried on an inbound app Begin:
// present selects the PROXY command, absent selects LOCAL.
type BeginEx struct {
	Address Address
	Infos   []Info
}

// TLV type assignments.
const (
	tlvALPN          byte = 0x01
	tlvAuthority     byte = 0x02
	tlvIdentity      byte = 0x05
	tlvSecure        byte = 0x20
	tlvSSLProtocol   byte = 0x21
	tlvSSLCommonName byte = 0x22
	tlvSSLCipher     byte = 0x23
	tlvSSLSignature  byte = 0x24
	tlvSSLKey        byte = 0x25
	tlvNamespace     byte = 0x30
)

const (
	cmdLocal byte = 0x20
	cmdProxy byte = 0x21
)

var signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 'Q', 'U', 'I', 'T', 0x0A}

// SignatureSize is the length of the fixed PROXY v2 preamble.
const SignatureSize = 12
