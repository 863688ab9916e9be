package codesign

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/blacktop/go-macho/types"
)

// signedMachO builds a thin arm64 header with a single LC_CODE_SIGNATURE
// pointing at a SuperBlob holding a CodeDirectory and, optionally, an
// entitlements blob
func signedMachO(identifier, team string, flags uint32, ents []byte) []byte {
	var cd bytes.Buffer
	identOff := uint32(52)
	teamOff := uint32(0)
	if team != "" {
		teamOff = identOff + uint32(len(identifier)) + 1
	}
	hdr := make([]byte, 52)
	binary.BigEndian.PutUint32(hdr[0:], csMagicCodeDirectory)
	binary.BigEndian.PutUint32(hdr[8:], 0x20200)
	binary.BigEndian.PutUint32(hdr[12:], flags)
	binary.BigEndian.PutUint32(hdr[20:], identOff)
	binary.BigEndian.PutUint32(hdr[32:], 0x100)
	hdr[36] = 32
	hdr[37] = csHashTypeSHA256
	hdr[39] = 12
	binary.BigEndian.PutUint32(hdr[48:], teamOff)
	cd.Write(hdr)
	cd.WriteString(identifier)
	cd.WriteByte(0)
	if team != "" {
		cd.WriteString(team)
		cd.WriteByte(0)
	}
	cdBlob := cd.Bytes()
	binary.BigEndian.PutUint32(cdBlob[4:], uint32(len(cdBlob)))

	blobs := [][]byte{cdBlob}
	slots := []uint32{csSlotCodeDirectory}
	if ents != nil {
		eb := make([]byte, 8, 8+len(ents))
		binary.BigEndian.PutUint32(eb[0:], csMagicEmbeddedEntitlement)
		binary.BigEndian.PutUint32(eb[4:], uint32(8+len(ents)))
		blobs = append(blobs, append(eb, ents...))
		slots = append(slots, csSlotEntitlements)
	}

	sb := make([]byte, 12+8*len(blobs))
	binary.BigEndian.PutUint32(sb[0:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(sb[8:], uint32(len(blobs)))
	off := uint32(len(sb))
	for i, b := range blobs {
		binary.BigEndian.PutUint32(sb[12+8*i:], slots[i])
		binary.BigEndian.PutUint32(sb[16+8*i:], off)
		off += uint32(len(b))
	}
	for _, b := range blobs {
		sb = append(sb, b...)
	}
	binary.BigEndian.PutUint32(sb[4:], uint32(len(sb)))

	macho := thinMachO(types.CPUArm64, 0)
	binary.LittleEndian.PutUint32(macho[16:], 1)  // ncmds
	binary.LittleEndian.PutUint32(macho[20:], 16) // sizeofcmds
	binary.LittleEndian.PutUint32(macho[32:], lcCodeSignature)
	binary.LittleEndian.PutUint32(macho[36:], 16)
	binary.LittleEndian.PutUint32(macho[40:], uint32(len(macho)))
	binary.LittleEndian.PutUint32(macho[44:], uint32(len(sb)))
	return append(macho, sb...)
}

func TestParseSignatureAdhoc(t *testing.T) {
	data := signedMachO("com.example.makerw", "", csAdhoc, []byte(makerwEntitlements))

	info, err := parseSignature(data)
	if err != nil {
		t.Fatalf("parseSignature failed: %v", err)
	}

	if info.Identifier != "com.example.makerw" {
		t.Errorf("Expected identifier com.example.makerw, got %q", info.Identifier)
	}
	if !info.Adhoc() {
		t.Errorf("Expected ad hoc signature, flags=0x%x", info.Flags)
	}
	if info.TeamID != "" {
		t.Errorf("Expected no team ID, got %q", info.TeamID)
	}
	if info.HashType != csHashTypeSHA256 {
		t.Errorf("Expected SHA-256 hash type, got %d", info.HashType)
	}
	if info.CodeLimit != 0x100 {
		t.Errorf("Expected code limit 0x100, got 0x%x", info.CodeLimit)
	}
	if info.Entitlements["platform-application"] != true {
		t.Errorf("Expected platform-application entitlement, got %v", info.Entitlements)
	}
}

func TestParseSignatureTeamID(t *testing.T) {
	data := signedMachO("com.example.makerw", "ABCDE12345", 0, nil)

	info, err := parseSignature(data)
	if err != nil {
		t.Fatalf("parseSignature failed: %v", err)
	}
	if info.TeamID != "ABCDE12345" {
		t.Errorf("Expected team ID ABCDE12345, got %q", info.TeamID)
	}
	if info.Adhoc() {
		t.Error("Signature with team ID should not be ad hoc")
	}
	if len(info.Entitlements) != 0 {
		t.Errorf("Expected no entitlements, got %v", info.Entitlements)
	}
}

func TestParseSignatureUnsigned(t *testing.T) {
	if _, err := parseSignature(thinMachO(types.CPUArm64, 0)); err == nil {
		t.Fatal("Expected error for unsigned binary")
	}
}

func TestParseSignatureTruncated(t *testing.T) {
	data := signedMachO("com.example.makerw", "", csAdhoc, nil)
	if _, err := parseSignature(data[:len(data)-10]); err == nil {
		t.Fatal("Expected error for truncated signature")
	}
}

func TestFindCodeSignature(t *testing.T) {
	data := signedMachO("x", "", csAdhoc, nil)

	off, size, found := findCodeSignature(data)
	if !found {
		t.Fatal("Expected LC_CODE_SIGNATURE to be found")
	}
	if off != 64 {
		t.Errorf("Expected offset 64, got %d", off)
	}
	if uint32(len(data))-off != size {
		t.Errorf("Expected size %d, got %d", uint32(len(data))-off, size)
	}

	if _, _, found := findCodeSignature([]byte("not a mach-o at all, just text..")); found {
		t.Error("Should not find a signature in non Mach-O data")
	}
}

func TestReadSignatureNotMachO(t *testing.T) {
	path := writeTemp(t, "entitlements.xml", []byte(makerwEntitlements))
	if _, err := ReadSignature(path); err == nil {
		t.Fatal("Expected error for non Mach-O file")
	}
}

func TestPrintSignature(t *testing.T) {
	info := &SignatureInfo{
		Arch:       "arm64",
		Identifier: "com.example.makerw",
		Flags:      csAdhoc,
		HashType:   csHashTypeSHA256,
		Entitlements: Entitlements{
			"platform-application":   true,
			"application-identifier": "com.example.makerw",
		},
	}

	var buf bytes.Buffer
	PrintSignature(&buf, info)
	out := buf.String()

	for _, want := range []string{"com.example.makerw", "ad hoc", "SHA-256", "platform-application: true"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "application-identifier") > strings.Index(out, "platform-application") {
		t.Error("Entitlements should be printed in sorted order")
	}
	if strings.Contains(out, "Team ID") {
		t.Error("Team ID line should be omitted when empty")
	}
}
