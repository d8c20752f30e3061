package mut

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// alignUp rounds value up to the next multiple of align.
func alignUp(value, align uint32) uint32 {
	if align == 0 {
		return value
	}
	return (value + align - 1) / align * align
}

// MutateFile is the PE Fixup Layer's public entry (§4.E): parse inputPath,
// mutate its code section, patch every dependent pointer, and write the
// result to outputPath (or a derived default if outputPath is empty).
// No output file is created unless every step below succeeds.
func MutateFile(inputPath, outputPath string, engine *Engine, strict bool, log zerolog.Logger) (string, error) {
	img, err := openPEImage(inputPath)
	if err != nil {
		return "", errors.Wrapf(ErrParse, "opening %s: %v", inputPath, err)
	}

	if err := MutateImage(img, engine, strict, log); err != nil {
		return "", err
	}

	if outputPath == "" {
		outputPath = defaultOutputPath(inputPath)
	}

	var buf bytes.Buffer
	if err := img.Serialize(&buf); err != nil {
		return "", errors.Wrapf(ErrIO, "serializing %s: %v", outputPath, err)
	}

	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		return "", errors.Wrapf(ErrIO, "writing %s: %v", outputPath, err)
	}

	return outputPath, nil
}

// defaultOutputPath implements §6: "<stem>_Mutated.<ext>" if the input has
// an extension, "<input>_Mutated" otherwise.
func defaultOutputPath(inputPath string) string {
	ext := filepath.Ext(inputPath)
	if ext == "" {
		return inputPath + "_Mutated"
	}
	stem := strings.TrimSuffix(inputPath, ext)
	return stem + "_Mutated" + ext
}

// MutateImage runs the engine over img's code section and applies every
// fixup in the fixed order (exports, relocations, SafeSEH, TLS) required
// for test reproducibility (§4.E "Ordering").
func MutateImage(img peImage, engine *Engine, strict bool, log zerolog.Logger) error {
	entryRVA := img.EntryPointRVA()
	oldSection, ok := img.SectionContainingRVA(entryRVA)
	if !ok {
		return errors.Wrapf(ErrParse, "entry point rva %d is not inside any section", entryRVA)
	}

	sections := img.Sections()
	last := sections[len(sections)-1]
	newBase := alignUp(last.VirtualAddr+last.VirtualSize, img.SectionAlignment())
	oldBase := oldSection.VirtualAddr
	oldSize := oldSection.VirtualSize
	extDelta := int64(newBase) - int64(oldBase)
	extBase := img.ImageBase() + uint64(oldBase)
	_ = extBase // retained for parity with the engine's documented signature; the Go engine derives ext_base implicitly via absolute target math done by the caller of Mutate, not needed internally here.

	entryOffsetInSection := entryRVA - oldBase

	res, err := engine.Mutate(oldSection.RawData, oldSection.VirtualSize, entryOffsetInSection, extDelta)
	if err != nil {
		return errors.Wrapf(err, "mutating code section")
	}

	if err := img.AppendSection(".ztext", newBase, uint32(len(res.Output)), res.Output); err != nil {
		return errors.Wrapf(ErrParse, "appending new section: %v", err)
	}
	for i, s := range img.Sections() {
		if s.VirtualAddr == oldBase {
			if err := img.RenameSection(i, ".pdata"); err != nil {
				return errors.Wrapf(ErrParse, "renaming old section: %v", err)
			}
			break
		}
	}
	if err := img.SetBaseOfCode(newBase); err != nil {
		return errors.Wrapf(ErrParse, "setting base of code: %v", err)
	}
	if err := img.SetEntryPoint(res.EntryPointRVA + newBase); err != nil {
		return errors.Wrapf(ErrParse, "setting entry point: %v", err)
	}

	if err := FixExport(img, engine, oldBase, oldSize, newBase, strict, log); err != nil {
		return err
	}
	if err := FixRelocs(img, engine, oldBase, oldSize, newBase, strict, log); err != nil {
		return err
	}
	if err := FixSafeSEH(img, engine, oldBase, oldSize, newBase, strict, log); err != nil {
		return err
	}
	if err := FixTLS(img, engine, oldBase, oldSize, newBase, strict, log); err != nil {
		return err
	}

	return nil
}

// remap resolves a pointer that originally fell inside the old section
// into its post-mutation address, per §4.E's "Let old_base, old_size,
// new_base denote..." paragraph.
func remap(engine *Engine, oldBase, newBase, p uint32) (uint32, bool) {
	rvaInSection := p - oldBase
	entry, ok := engine.GetIdataByRVA(rvaInSection)
	if !ok {
		return 0, false
	}
	return entry.NewRVA + newBase, true
}

// FixExport rewrites every non-forwarded exported function whose RVA
// falls in the old section (§4.E "Exports"). An export that does not map
// to an instruction head is an ErrFixup.
func FixExport(img peImage, engine *Engine, oldBase, oldSize, newBase uint32, strict bool, log zerolog.Logger) error {
	if !img.HasExports() {
		return nil
	}
	entries := img.Exports()
	for i := range entries {
		e := &entries[i]
		if e.IsForwarder {
			continue
		}
		if e.RVA < oldBase || e.RVA >= oldBase+oldSize {
			continue
		}
		newRVA, ok := remap(engine, oldBase, newBase, e.RVA)
		if !ok {
			return errors.Wrapf(ErrFixup, "export ordinal %d rva %d does not map to an instruction head", e.Ordinal, e.RVA)
		}
		e.RVA = newRVA
	}
	return img.RebuildExports(entries)
}

// FixRelocs rewrites the base relocation table (§4.E "Relocations").
// Entries inside the old section that don't map to an instruction head
// are silently dropped by default (source behavior, §9 open question);
// --strict-relocations (the strict parameter) turns this into an error.
func FixRelocs(img peImage, engine *Engine, oldBase, oldSize, newBase uint32, strict bool, log zerolog.Logger) error {
	if !img.HasRelocations() {
		return nil
	}

	var kept []relocationBlock
	type rewritten struct {
		rva  uint32
		kind uint16
	}
	var tmp []rewritten

	for _, block := range img.Relocations() {
		if block.PageRVA >= oldBase && block.PageRVA < oldBase+oldSize {
			recBaseRVA := block.PageRVA - oldBase
			for _, e := range block.Entries {
				absRVA := recBaseRVA + uint32(e.Offset)
				newRVA, ok := remap(engine, oldBase, newBase, absRVA+oldBase)
				if !ok {
					if strict {
						return errors.Wrapf(ErrFixup, "relocation at rva %d does not map to an instruction head", absRVA+oldBase)
					}
					log.Warn().Uint32("rva", absRVA+oldBase).Msg("relocation dropped: no matching instruction head")
					continue
				}
				tmp = append(tmp, rewritten{rva: newRVA, kind: e.Type})
			}
			continue
		}
		kept = append(kept, block)
	}

	sort.Slice(tmp, func(i, j int) bool { return tmp[i].rva < tmp[j].rva })

	for _, r := range tmp {
		page := r.rva &^ 0xFFF
		if len(kept) == 0 || kept[len(kept)-1].PageRVA != page {
			kept = append(kept, relocationBlock{PageRVA: page})
		}
		last := &kept[len(kept)-1]
		last.Entries = append(last.Entries, relocationEntry{Offset: uint16(r.rva & 0xFFF), Type: r.kind})
	}

	return img.RebuildRelocations(kept)
}

// FixSafeSEH remaps every registered exception handler RVA lying in the
// old section and writes the handler array back in place (§4.E
// "SafeSEH"); the table's size never changes. A handler that does not map
// to an instruction head is an ErrFixup.
func FixSafeSEH(img peImage, engine *Engine, oldBase, oldSize, newBase uint32, strict bool, log zerolog.Logger) error {
	if !img.HasLoadConfig() {
		return nil
	}
	handlers := img.SafeSEHHandlers()
	for i, h := range handlers {
		if h < oldBase || h >= oldBase+oldSize {
			continue
		}
		newRVA, ok := remap(engine, oldBase, newBase, h)
		if !ok {
			return errors.Wrapf(ErrFixup, "safeseh handler at rva %d does not map to an instruction head", h)
		}
		handlers[i] = newRVA
	}
	return img.SetSafeSEHHandlers(handlers)
}

// FixTLS walks the TLS callback array and rewrites every absolute VA
// whose corresponding RVA lies in the old section (§4.E "TLS callbacks").
// Matches source behavior: the fixup is driven entirely by the engine's
// RVA map, not by a precomputed delta (see SPEC_FULL.md §9). A callback
// that does not map to an instruction head is an ErrFixup.
func FixTLS(img peImage, engine *Engine, oldBase, oldSize, newBase uint32, strict bool, log zerolog.Logger) error {
	if !img.HasTLS() || img.TLSCallbacksRVA() == 0 {
		return nil
	}
	imageBase := img.ImageBase()
	callbacks := img.ReadTLSCallbacks()
	for i, va := range callbacks {
		if va == 0 {
			continue
		}
		ptr := uint32(va - imageBase)
		if ptr < oldBase || ptr >= oldBase+oldSize {
			continue
		}
		newRVA, ok := remap(engine, oldBase, newBase, ptr)
		if !ok {
			return errors.Wrapf(ErrFixup, "tls callback at rva %d does not map to an instruction head", ptr)
		}
		callbacks[i] = uint64(newRVA) + imageBase
	}
	return img.WriteTLSCallbacks(callbacks)
}
