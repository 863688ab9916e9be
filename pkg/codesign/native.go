package codesign

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	mcs "github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
)

// NativeSigner signs Mach-O binaries in-process, replacing the existing
// signature. It needs no host tools, so it also works off macOS.
type NativeSigner struct {
	Identity   *SigningIdentity // nil signs ad hoc
	Identifier string           // defaults to the binary's file name
}

// NewNativeSigner returns a signer for id; pass nil for ad hoc signatures
func NewNativeSigner(id *SigningIdentity) *NativeSigner {
	return &NativeSigner{Identity: id}
}

// Sign re-signs the binary at path in place, embedding the entitlements
// plist when entitlements is not empty
func (s *NativeSigner) Sign(ctx context.Context, path, entitlements string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat binary: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}

	req := signRequest{id: s.Identifier}
	if req.id == "" {
		req.id = filepath.Base(path)
	}
	if entitlements != "" {
		ents, err := LoadEntitlements(entitlements)
		if err != nil {
			return err
		}
		if req.entsXML, err = ents.XML(); err != nil {
			return err
		}
		if req.entsDER, err = ents.DER(); err != nil {
			return err
		}
	}

	var signed []byte
	if isFat(data) {
		signed, err = s.signFat(data, req)
	} else {
		signed, err = s.signThin(data, req)
	}
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", path, err)
	}

	log.WithFields(log.Fields{"binary": path, "identifier": req.id}).Debug("signed natively")
	return os.WriteFile(path, signed, fi.Mode().Perm())
}

type signRequest struct {
	id      string
	entsXML []byte
	entsDER []byte
}

func (s *NativeSigner) signFat(data []byte, req signRequest) ([]byte, error) {
	arches, err := architectures(data)
	if err != nil {
		return nil, err
	}

	slices := make([]fatSlice, 0, len(arches))
	for _, a := range arches {
		if uint64(a.Offset)+uint64(a.Size) > uint64(len(data)) {
			return nil, fmt.Errorf("%s slice extends beyond end of file", a)
		}
		signed, err := s.signThin(data[a.Offset:a.Offset+a.Size], req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
		slices = append(slices, fatSlice{
			cpu:    uint32(a.CPU),
			subcpu: uint32(a.SubCPU),
			align:  a.Align,
			data:   signed,
		})
	}
	return buildFat(slices), nil
}

// signThin rewrites LC_CODE_SIGNATURE and __LINKEDIT for the new
// signature size before hashing, since the page hashes cover the load
// commands
func (s *NativeSigner) signThin(data []byte, req signRequest) ([]byte, error) {
	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	is64 := m.Magic == types.Magic64
	hdrSize := uint32(28)
	if is64 {
		hdrSize = 32
	}

	var (
		textOffset, textSize uint64
		linkeditCmd          uint32
		linkeditFileoff      uint64
		csCmd                uint32
		codeSize             uint64
		hasSignature         bool
	)
	cmdOffset := hdrSize
	for _, load := range m.Loads {
		switch l := load.(type) {
		case *macho.Segment:
			switch l.Name {
			case "__TEXT":
				textOffset, textSize = l.Offset, l.Filesz
			case "__LINKEDIT":
				linkeditCmd, linkeditFileoff = cmdOffset, l.Offset
			}
		case *macho.CodeSignature:
			csCmd = cmdOffset
			codeSize = uint64(l.Offset)
			hasSignature = true
		}
		cmdOffset += load.LoadSize()
	}
	if !hasSignature {
		return nil, fmt.Errorf("no LC_CODE_SIGNATURE load command; link with -Wl,-adhoc_codesign or sign with ldid2")
	}

	config := &mcs.Config{
		ID:              req.id,
		IsMain:          true,
		Flags:           ctypes.ADHOC,
		CodeSize:        codeSize,
		TextOffset:      textOffset,
		TextSize:        textSize,
		Entitlements:    req.entsXML,
		EntitlementsDER: req.entsDER,
		// ad hoc signatures carry an empty CMS blob
		SignerFunction: func([]byte) ([]byte, error) { return []byte{}, nil },
	}
	if id := s.Identity; id != nil {
		config.Flags = ctypes.NONE
		config.TeamID = id.TeamID
		config.CertChain = id.CertChain
		config.SignerFunction = id.cmsSigner()
	}
	config.InitSlotHashes()
	if len(req.entsXML) > 0 {
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
	}

	sigSize := mcs.EstimateCodeSignatureSize(config)
	sigSize = (sigSize + 0x3fff) &^ 0x3fff

	signed := make([]byte, codeSize+sigSize)
	copy(signed, data[:codeSize])
	binary.LittleEndian.PutUint32(signed[csCmd+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(signed[csCmd+12:], uint32(sigSize))

	if linkeditCmd > 0 {
		filesz := codeSize + sigSize - linkeditFileoff
		vmsize := (filesz + 0xfff) &^ 0xfff
		if is64 {
			// segment_command_64: vmsize at 32, filesize at 48
			binary.LittleEndian.PutUint64(signed[linkeditCmd+32:], vmsize)
			binary.LittleEndian.PutUint64(signed[linkeditCmd+48:], filesz)
		} else {
			// segment_command: vmsize at 28, filesize at 36
			binary.LittleEndian.PutUint32(signed[linkeditCmd+28:], uint32(vmsize))
			binary.LittleEndian.PutUint32(signed[linkeditCmd+36:], uint32(filesz))
		}
	}

	sig, err := mcs.Sign(bytes.NewReader(signed[:codeSize]), config)
	if err != nil {
		return nil, err
	}
	if uint64(len(sig)) > sigSize {
		return nil, fmt.Errorf("signature (%d bytes) larger than reserved space (%d bytes)", len(sig), sigSize)
	}
	copy(signed[codeSize:], sig)
	// the SuperBlob length covers the zero padding too
	binary.BigEndian.PutUint32(signed[codeSize+4:], uint32(sigSize))

	return signed, nil
}
