// Command bugdump disassembles the code around a bug-check RIP captured
// from a kernel core crash report (spec §7/§9: "a single bug-check routine
// that prints the last stack frames and halts"). It is a post-mortem,
// host-side tool: it reads the kernel ELF image that produced the crash,
// locates the executable section containing the faulting address, and
// prints a window of instructions leading up to and following it.
//
// Grounded on gopher-os/tools/redirects.go's use of debug/elf to read a
// kernel image's sections and symbols, and on golang.org/x/arch/x86/x86asm
// (also used by gokvm, per SPEC_FULL.md's DOMAIN STACK) for decoding.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[bugdump] error: %s\n", err.Error())
	os.Exit(1)
}

// instruction is one decoded entry in the disassembly window.
type instruction struct {
	addr uint64
	raw  []byte
	inst x86asm.Inst
	err  error
}

func (i instruction) String() string {
	if i.err != nil {
		return fmt.Sprintf("%#016x: <bad opcode: %s>", i.addr, i.err)
	}
	return fmt.Sprintf("%#016x: %-24s %s", i.addr, hexBytes(i.raw), x86asm.GNUSyntax(i.inst, i.addr, nil))
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, " ")
}

// findSection returns the section containing addr, or nil.
func findSection(f *elf.File, addr uint64) *elf.Section {
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if addr >= sec.Addr && addr < sec.Addr+sec.Size {
			return sec
		}
	}
	return nil
}

// disassembleWindow decodes instructions linearly from sec's start,
// keeping only the last contextInsns decoded before rip (a ring buffer,
// since x86 is variable-length and cannot be decoded backwards directly),
// then continues decoding afterInsns past rip.
func disassembleWindow(sec *elf.Section, rip uint64, contextInsns, afterInsns int) ([]instruction, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, errors.Wrap(err, "bugdump: read section data")
	}

	ring := make([]instruction, 0, contextInsns+1)
	var after []instruction

	addr := sec.Addr
	off := 0
	pastRip := false
	for off < len(data) {
		cur := addr + uint64(off)
		remaining := data[off:]

		inst, decErr := x86asm.Decode(remaining, 64)
		length := inst.Len
		if decErr != nil || length == 0 {
			length = 1 // resync by one byte on a bad opcode, same as most post-mortem disassemblers
		}

		entry := instruction{addr: cur, raw: remaining[:min(length, len(remaining))], inst: inst, err: decErr}

		if !pastRip {
			ring = append(ring, entry)
			if len(ring) > contextInsns+1 {
				ring = ring[1:]
			}
			if cur == rip {
				pastRip = true
			}
		} else {
			if len(after) >= afterInsns {
				break
			}
			after = append(after, entry)
		}

		off += length
	}

	if !pastRip {
		return nil, errors.Errorf("bugdump: rip %#x not reached while scanning section %s", rip, sec.Name)
	}

	return append(ring, after...), nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func runTool() error {
	image := flag.String("image", "", "path to the kernel ELF image")
	ripFlag := flag.String("rip", "", "faulting instruction pointer, in hex (with or without 0x prefix)")
	before := flag.Int("before", 8, "number of instructions to show before the faulting RIP")
	after := flag.Int("after", 4, "number of instructions to show after the faulting RIP")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "bugdump: disassemble a kernel image around a bug-check RIP\n\n")
		fmt.Fprint(os.Stderr, "Usage: bugdump -image kernel.elf -rip 0xffffffff80012340\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *image == "" || *ripFlag == "" {
		return errors.New("both -image and -rip are required")
	}

	rip, err := parseHex(*ripFlag)
	if err != nil {
		return errors.Wrapf(err, "bugdump: parse -rip %q", *ripFlag)
	}

	f, err := elf.Open(*image)
	if err != nil {
		return errors.Wrap(err, "bugdump: open image")
	}
	defer f.Close()

	sec := findSection(f, rip)
	if sec == nil {
		return errors.Errorf("bugdump: no executable section contains rip %#x", rip)
	}

	window, err := disassembleWindow(sec, rip, *before, *after)
	if err != nil {
		return err
	}

	for _, insn := range window {
		marker := "  "
		if insn.addr == rip {
			marker = "->"
		}
		fmt.Printf("%s %s\n", marker, insn)
	}
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
