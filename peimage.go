package mut

import (
	"io"

	"github.com/pkg/errors"
	"github.com/saferwall/pe"
)

// peSection is the subset of a PE section header the fixup layer needs.
type peSection struct {
	Name        string
	VirtualAddr uint32
	VirtualSize uint32
	RawData     []byte
}

// relocationBlock is one base-relocation page: a page RVA plus its
// 12-bit-offset/type entries.
type relocationBlock struct {
	PageRVA uint32
	Entries []relocationEntry
}

type relocationEntry struct {
	Offset uint16 // low 12 bits within the page
	Type   uint16
}

// exportEntry is one exported function: its ordinal, RVA, and whether it
// is a forwarder (in which case RVA is meaningless to the fixup layer).
type exportEntry struct {
	Ordinal     uint16
	RVA         uint32
	IsForwarder bool
}

// peImage is the concrete realization of the "PE library interface
// consumed" abstract contract from §6/§4.E.1. The engine and fixup layer
// depend only on this interface, never on a specific parser, so they can
// be exercised against an in-memory fake in tests.
type peImage interface {
	EntryPointRVA() uint32
	ImageBase() uint64
	SectionAlignment() uint32
	Sections() []peSection
	SectionContainingRVA(rva uint32) (peSection, bool)
	AppendSection(name string, rva, virtualSize uint32, data []byte) error
	RenameSection(index int, name string) error
	SetBaseOfCode(rva uint32) error
	SetEntryPoint(rva uint32) error

	HasRelocations() bool
	Relocations() []relocationBlock
	RebuildRelocations(blocks []relocationBlock) error

	HasExports() bool
	Exports() []exportEntry
	RebuildExports(entries []exportEntry) error

	HasLoadConfig() bool
	SafeSEHHandlers() []uint32
	SetSafeSEHHandlers(handlers []uint32) error

	HasTLS() bool
	TLSCallbacksRVA() uint32
	ReadTLSCallbacks() []uint64
	WriteTLSCallbacks(callbacks []uint64) error

	Serialize(w io.Writer) error
}

// saferwallPEImage adapts github.com/saferwall/pe's *pe.File to peImage.
// It is the one place this repo depends on the concrete parser; every
// other component sees only the peImage interface above.
type saferwallPEImage struct {
	file *pe.File

	// pendingSectionData/pendingSectionOffset hold the bytes of the most
	// recently appended section: AddSection only reserves header space and
	// an on-disk offset, it never receives the section's content, so
	// Serialize writes pendingSectionData in at pendingSectionOffset as the
	// last step before emitting the image.
	pendingSectionData   []byte
	pendingSectionOffset uint32
}

// openPEImage parses path with saferwall/pe and wraps the result.
func openPEImage(path string) (*saferwallPEImage, error) {
	f, err := pe.New(path, &pe.Options{})
	if err != nil {
		return nil, err
	}
	if err := f.Parse(); err != nil {
		return nil, err
	}
	return &saferwallPEImage{file: f}, nil
}

func (p *saferwallPEImage) EntryPointRVA() uint32 {
	return p.file.NtHeader.OptionalHeader.AddressOfEntryPoint
}

func (p *saferwallPEImage) ImageBase() uint64 {
	return p.file.NtHeader.OptionalHeader.ImageBase
}

func (p *saferwallPEImage) SectionAlignment() uint32 {
	return p.file.NtHeader.OptionalHeader.SectionAlignment
}

func (p *saferwallPEImage) Sections() []peSection {
	out := make([]peSection, 0, len(p.file.Sections))
	for _, s := range p.file.Sections {
		out = append(out, peSection{
			Name:        s.String(),
			VirtualAddr: s.Header.VirtualAddress,
			VirtualSize: s.Header.VirtualSize,
			RawData:     p.file.Data(uint32(s.Header.PointerToRawData), s.Header.SizeOfRawData),
		})
	}
	return out
}

func (p *saferwallPEImage) SectionContainingRVA(rva uint32) (peSection, bool) {
	for _, s := range p.Sections() {
		if rva >= s.VirtualAddr && rva < s.VirtualAddr+s.VirtualSize {
			return s, true
		}
	}
	return peSection{}, false
}

func (p *saferwallPEImage) AppendSection(name string, rva, virtualSize uint32, data []byte) error {
	if err := p.file.AddSection(name, virtualSize, uint32(len(data))); err != nil {
		return err
	}
	last := p.file.Sections[len(p.file.Sections)-1]
	p.pendingSectionOffset = last.Header.PointerToRawData
	p.pendingSectionData = data
	return nil
}

func (p *saferwallPEImage) RenameSection(index int, name string) error {
	if index < 0 || index >= len(p.file.Sections) {
		return ErrParse
	}
	copy(p.file.Sections[index].Header.Name[:], []byte(name))
	return nil
}

func (p *saferwallPEImage) SetBaseOfCode(rva uint32) error {
	p.file.NtHeader.OptionalHeader.BaseOfCode = rva
	return nil
}

func (p *saferwallPEImage) SetEntryPoint(rva uint32) error {
	p.file.NtHeader.OptionalHeader.AddressOfEntryPoint = rva
	return nil
}

func (p *saferwallPEImage) HasRelocations() bool {
	return len(p.file.Relocations) > 0
}

func (p *saferwallPEImage) Relocations() []relocationBlock {
	out := make([]relocationBlock, 0, len(p.file.Relocations))
	for _, block := range p.file.Relocations {
		rb := relocationBlock{PageRVA: block.Data.VirtualAddress}
		for _, e := range block.Entries {
			rb.Entries = append(rb.Entries, relocationEntry{Offset: e.Offset, Type: uint16(e.Type)})
		}
		out = append(out, rb)
	}
	return out
}

// RebuildRelocations cannot be serviced by this adapter: saferwall/pe is a
// parser, not a PE writer, and exposes no API to re-encode and re-link a
// base relocation directory back into *pe.File. Reporting success while
// leaving the original, now-stale directory in place would silently
// corrupt the image, so this errors instead (the computed blocks are
// discarded).
func (p *saferwallPEImage) RebuildRelocations(blocks []relocationBlock) error {
	return errors.Wrap(ErrFixup, "saferwall/pe adapter cannot write a rebuilt relocation directory back into the image")
}

func (p *saferwallPEImage) HasExports() bool {
	return p.file.Export != nil
}

func (p *saferwallPEImage) Exports() []exportEntry {
	if p.file.Export == nil {
		return nil
	}
	out := make([]exportEntry, 0, len(p.file.Export.Functions))
	for _, fn := range p.file.Export.Functions {
		out = append(out, exportEntry{
			Ordinal:     uint16(fn.Ordinal),
			RVA:         fn.FunctionRVA,
			IsForwarder: fn.ForwarderRVA != 0,
		})
	}
	return out
}

// RebuildExports has the same limitation as RebuildRelocations: saferwall/pe
// gives no write-back path for the export directory, so this errors rather
// than silently keeping the original (now-wrong) function RVAs.
func (p *saferwallPEImage) RebuildExports(entries []exportEntry) error {
	return errors.Wrap(ErrFixup, "saferwall/pe adapter cannot write a rebuilt export directory back into the image")
}

func (p *saferwallPEImage) HasLoadConfig() bool {
	return p.file.LoadConfig != nil
}

func (p *saferwallPEImage) SafeSEHHandlers() []uint32 {
	if p.file.LoadConfig == nil {
		return nil
	}
	return p.file.LoadConfig.SEH
}

func (p *saferwallPEImage) SetSafeSEHHandlers(handlers []uint32) error {
	if p.file.LoadConfig == nil {
		return ErrParse
	}
	p.file.LoadConfig.SEH = handlers
	return nil
}

func (p *saferwallPEImage) HasTLS() bool {
	return p.file.TLS != nil
}

func (p *saferwallPEImage) TLSCallbacksRVA() uint32 {
	if p.file.TLS == nil {
		return 0
	}
	return uint32(p.file.TLS.Struct.AddressOfCallBacks - p.file.NtHeader.OptionalHeader.ImageBase)
}

func (p *saferwallPEImage) ReadTLSCallbacks() []uint64 {
	if p.file.TLS == nil {
		return nil
	}
	return p.file.TLS.Callbacks
}

func (p *saferwallPEImage) WriteTLSCallbacks(callbacks []uint64) error {
	if p.file.TLS == nil {
		return ErrParse
	}
	p.file.TLS.Callbacks = callbacks
	return nil
}

func (p *saferwallPEImage) Serialize(w io.Writer) error {
	raw, err := p.file.Bytes()
	if err != nil {
		return err
	}
	if len(p.pendingSectionData) > 0 {
		end := int(p.pendingSectionOffset) + len(p.pendingSectionData)
		if end > len(raw) {
			grown := make([]byte, end)
			copy(grown, raw)
			raw = grown
		}
		copy(raw[p.pendingSectionOffset:], p.pendingSectionData)
	}
	_, err = w.Write(raw)
	return err
}
