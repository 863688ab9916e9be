package codesign

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// csAdhoc is the CodeDirectory flag for signatures without a certificate
const csAdhoc = 0x2

// SignatureInfo is a summary of the embedded signature of one slice
type SignatureInfo struct {
	Arch         string
	Identifier   string
	TeamID       string
	Flags        uint32
	HashType     uint8
	CodeLimit    uint32
	Entitlements Entitlements
	HasDEREnts   bool
	CMSSize      uint32 // 0 or an empty wrapper for ad hoc signatures
}

// Adhoc reports whether the signature carries no certificate
func (s *SignatureInfo) Adhoc() bool {
	return s.Flags&csAdhoc != 0
}

// ReadSignature parses the code signature of the binary at path. For fat
// binaries the first slice is read.
func ReadSignature(path string) (*SignatureInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	arches, err := architectures(data)
	if err != nil {
		return nil, err
	}
	a := arches[0]
	if uint64(a.Offset)+uint64(a.Size) > uint64(len(data)) {
		return nil, fmt.Errorf("%s slice extends beyond end of file", a)
	}
	info, err := parseSignature(data[a.Offset : a.Offset+a.Size])
	if err != nil {
		return nil, err
	}
	info.Arch = a.String()
	return info, nil
}

func parseSignature(slice []byte) (*SignatureInfo, error) {
	off, size, found := findCodeSignature(slice)
	if !found {
		return nil, fmt.Errorf("no code signature found")
	}
	if uint64(off)+uint64(size) > uint64(len(slice)) {
		return nil, fmt.Errorf("code signature extends beyond file")
	}
	sig := slice[off : off+size]
	if len(sig) < 12 || binary.BigEndian.Uint32(sig) != csMagicEmbeddedSignature {
		return nil, fmt.Errorf("invalid SuperBlob")
	}

	info := &SignatureInfo{}
	count := binary.BigEndian.Uint32(sig[8:])
	if uint64(12)+uint64(count)*8 > uint64(len(sig)) {
		return nil, fmt.Errorf("signature data too short for blob index")
	}
	for i := uint32(0); i < count; i++ {
		slot := binary.BigEndian.Uint32(sig[12+i*8:])
		blobOff := binary.BigEndian.Uint32(sig[16+i*8:])
		if uint64(blobOff)+8 > uint64(len(sig)) {
			continue
		}
		blobLen := binary.BigEndian.Uint32(sig[blobOff+4:])
		if blobLen < 8 || uint64(blobOff)+uint64(blobLen) > uint64(len(sig)) {
			continue
		}
		blob := sig[blobOff : blobOff+blobLen]

		switch {
		case slot == csSlotCodeDirectory || (slot >= csSlotAlternateCD && slot < csSlotAlternateCD+5):
			parseCodeDirectory(blob, info)
		case slot == csSlotEntitlements:
			if ents, err := ParseEntitlementsXML(blob[8:]); err == nil {
				info.Entitlements = ents
			}
		case slot == csSlotDEREnts:
			info.HasDEREnts = true
		case slot == csSlotCMSSignature:
			info.CMSSize = blobLen - 8
		}
	}
	if info.Identifier == "" {
		return nil, fmt.Errorf("no CodeDirectory in signature")
	}
	return info, nil
}

// parseCodeDirectory fills in the fields of the CodeDirectory. Alternate
// directories come later in the index, so the strongest hash type wins.
func parseCodeDirectory(cd []byte, info *SignatureInfo) {
	if len(cd) < 44 || binary.BigEndian.Uint32(cd) != csMagicCodeDirectory {
		return
	}
	version := binary.BigEndian.Uint32(cd[8:])
	info.Flags = binary.BigEndian.Uint32(cd[12:])
	info.CodeLimit = binary.BigEndian.Uint32(cd[32:])
	if ht := cd[37]; ht > info.HashType {
		info.HashType = ht
	}
	info.Identifier = cstring(cd, binary.BigEndian.Uint32(cd[20:]))
	if version >= 0x20200 && len(cd) >= 52 {
		if teamOff := binary.BigEndian.Uint32(cd[48:]); teamOff > 0 {
			info.TeamID = cstring(cd, teamOff)
		}
	}
}

func cstring(b []byte, off uint32) string {
	if uint64(off) >= uint64(len(b)) {
		return ""
	}
	end := off
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

// findCodeSignature walks the load commands of a thin Mach-O for
// LC_CODE_SIGNATURE without a full parse
func findCodeSignature(data []byte) (offset, size uint32, found bool) {
	if len(data) < 32 {
		return 0, 0, false
	}

	var hdrSize uint32
	switch binary.LittleEndian.Uint32(data) {
	case magic64:
		hdrSize = 32
	case magic32:
		hdrSize = 28
	default:
		return 0, 0, false
	}
	ncmds := binary.LittleEndian.Uint32(data[16:])
	sizeofcmds := binary.LittleEndian.Uint32(data[20:])
	if uint64(hdrSize)+uint64(sizeofcmds) > uint64(len(data)) {
		return 0, 0, false
	}

	end := hdrSize + sizeofcmds
	for i, off := uint32(0), hdrSize; i < ncmds && off+8 <= end; i++ {
		cmd := binary.LittleEndian.Uint32(data[off:])
		cmdSize := binary.LittleEndian.Uint32(data[off+4:])
		if cmd == lcCodeSignature && cmdSize >= 16 {
			return binary.LittleEndian.Uint32(data[off+8:]), binary.LittleEndian.Uint32(data[off+12:]), true
		}
		if cmdSize == 0 {
			break
		}
		off += cmdSize
	}
	return 0, 0, false
}

// PrintSignature writes a human readable summary of info
func PrintSignature(w io.Writer, info *SignatureInfo) {
	kind := "certificate"
	if info.Adhoc() {
		kind = "ad hoc"
	}
	hash := "unknown"
	switch info.HashType {
	case csHashTypeSHA1:
		hash = "SHA-1"
	case csHashTypeSHA256:
		hash = "SHA-256"
	}

	fmt.Fprintf(w, "Arch:         %s\n", info.Arch)
	fmt.Fprintf(w, "Identifier:   %s\n", info.Identifier)
	if info.TeamID != "" {
		fmt.Fprintf(w, "Team ID:      %s\n", info.TeamID)
	}
	fmt.Fprintf(w, "Signature:    %s (flags=0x%x)\n", kind, info.Flags)
	fmt.Fprintf(w, "Hash Type:    %s\n", hash)
	fmt.Fprintf(w, "Code Limit:   %d\n", info.CodeLimit)
	fmt.Fprintf(w, "DER Ents:     %v\n", info.HasDEREnts)

	if len(info.Entitlements) == 0 {
		fmt.Fprintln(w, "Entitlements: none")
		return
	}
	keys := make([]string, 0, len(info.Entitlements))
	for k := range info.Entitlements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "Entitlements:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, info.Entitlements[k])
	}
}
