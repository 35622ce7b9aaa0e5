package task

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/mseaver/pikernel/internal/mm"
)

// LoadELF implements §4.F's ELF program loading: it iterates the loadable segments, maps a chunk
// for each (page-aligned, permissions derived from the segment flags), copies the segment's file
// bytes in, and returns the program's entry address.
//
// There is no pack dependency offering ELF parsing, so this is one of the few components built
// directly on the standard library's debug/elf rather than a third-party parser (see DESIGN.md).
func LoadELF(ram *mm.RAM, arena *mm.ChunkArena, space *mm.AddressSpace, image []byte) (entry mm.VirtAddr, err error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("task: %w: %w", ErrInvalidFile, err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return 0, fmt.Errorf("task: %w: unsupported ELF type %s", ErrInvalidFile, f.Type)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if err := loadSegment(ram, arena, space, prog); err != nil {
			return 0, err
		}
	}

	return mm.VirtAddr(f.Entry), nil
}

func loadSegment(ram *mm.RAM, arena *mm.ChunkArena, space *mm.AddressSpace, prog *elf.Prog) error {
	segStart := mm.VirtAddr(prog.Vaddr) &^ (mm.PageSize - 1)
	segEnd := (mm.VirtAddr(prog.Vaddr) + mm.VirtAddr(prog.Memsz) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	pages := int((segEnd - segStart) / mm.PageSize)

	if pages == 0 {
		return nil
	}

	chunk, err := mm.NewChunk(arena, pages)
	if err != nil {
		return fmt.Errorf("task: allocate segment: %w", err)
	}

	attrs := segmentAttrs(prog.Flags)

	if err := chunk.MapInto(space, segStart, attrs); err != nil {
		return fmt.Errorf("task: map segment: %w", err)
	}

	data := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(data, 0); err != nil {
		return fmt.Errorf("task: read segment: %w", err)
	}

	off := uint64(mm.VirtAddr(prog.Vaddr) - segStart)
	if err := chunk.Write(ram, off, data); err != nil {
		return fmt.Errorf("task: copy segment: %w", err)
	}

	return nil
}

// segmentAttrs derives the page-attribute tuple from an ELF segment's R/W/X flags (§4.F: "maps it
// into the process address space with read/write/execute bits derived from the segment flags").
func segmentAttrs(flags elf.ProgFlag) mm.Attrs {
	attrs := mm.AttrsUserRWData

	switch {
	case flags&elf.PF_X != 0:
		attrs.Exec = mm.ExecuteUserOnly
		if flags&elf.PF_W == 0 {
			attrs.RW = mm.ReadOnly
		}
	case flags&elf.PF_W == 0:
		attrs.RW = mm.ReadOnly
	}

	return attrs
}
