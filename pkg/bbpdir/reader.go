package bbpdir

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadDir parses a complete BBP.dir stream: the four-line header
// followed by zero or more data lines. Every line is validated for
// version, id bounds, field syntax and a non-negative width; the var
// flag is not checked against the type's width, and heap sizes are
// not checked against the files on disk. Unknown type names are not
// an error: they are retained verbatim so an upgraded server can hand
// them back to the (external) atom registry unchanged.
func ReadDir(r io.Reader) (Header, []DirEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	header, err := readHeader(sc)
	if err != nil {
		return Header{}, nil, err
	}

	entries, err := readEntries(sc, header)
	if err != nil {
		return header, nil, err
	}
	return header, entries, nil
}

func readHeader(sc *bufio.Scanner) (Header, error) {
	var h Header

	if !sc.Scan() {
		return h, errors.New("bbpdir: empty directory file")
	}
	line1 := sc.Text()
	const prefix = "BBP.dir, GDKversion "
	if !strings.HasPrefix(line1, prefix) {
		return h, fmt.Errorf("bbpdir: malformed header line 1: %q", line1)
	}
	v, err := strconv.Atoi(strings.TrimSpace(line1[len(prefix):]))
	if err != nil {
		return h, fmt.Errorf("bbpdir: malformed GDKversion: %w", err)
	}
	h.GDKVersion = Version(v)
	if !h.GDKVersion.Accepted() {
		return h, fmt.Errorf("%w: GDKversion %d is not a version this server understands (probable incompatible server version)", ErrCorruptDirectory, v)
	}

	if !sc.Scan() {
		return h, errors.New("bbpdir: missing size-assertion line")
	}
	sizes := strings.Fields(sc.Text())
	if len(sizes) != 3 {
		return h, fmt.Errorf("bbpdir: malformed size-assertion line: %q", sc.Text())
	}
	h.PtrSize, err = strconv.Atoi(sizes[0])
	if err != nil {
		return h, fmt.Errorf("bbpdir: malformed pointer size: %w", err)
	}
	h.OidSize, err = strconv.Atoi(sizes[1])
	if err != nil {
		return h, fmt.Errorf("bbpdir: malformed oid size: %w", err)
	}
	h.MaxIntSize, err = strconv.Atoi(sizes[2])
	if err != nil {
		return h, fmt.Errorf("bbpdir: malformed max-int size: %w", err)
	}

	if !sc.Scan() {
		return h, errors.New("bbpdir: missing BBPsize line")
	}
	sizeLine := sc.Text()
	const sizePrefix = "BBPsize="
	if !strings.HasPrefix(sizeLine, sizePrefix) {
		return h, fmt.Errorf("bbpdir: malformed BBPsize line: %q", sizeLine)
	}
	sz, err := strconv.ParseUint(strings.TrimSpace(sizeLine[len(sizePrefix):]), 10, 32)
	if err != nil {
		return h, fmt.Errorf("bbpdir: malformed BBPsize value: %w", err)
	}
	h.Size = uint32(sz)

	if !sc.Scan() {
		return h, errors.New("bbpdir: missing BBPinfo line")
	}
	infoLine := sc.Text()
	const infoPrefix = "BBPinfo="
	if !strings.HasPrefix(infoLine, infoPrefix) {
		return h, fmt.Errorf("bbpdir: malformed BBPinfo line: %q", infoLine)
	}
	infoFields := strings.Fields(infoLine[len(infoPrefix):])
	if len(infoFields) != 2 {
		return h, fmt.Errorf("bbpdir: malformed BBPinfo line: %q", infoLine)
	}
	h.LogSeqNo, err = strconv.ParseInt(infoFields[0], 10, 64)
	if err != nil {
		return h, fmt.Errorf("bbpdir: malformed log sequence number: %w", err)
	}
	h.TransID, err = strconv.ParseInt(infoFields[1], 10, 64)
	if err != nil {
		return h, fmt.Errorf("bbpdir: malformed transaction id: %w", err)
	}

	return h, nil
}

// readEntries reads data lines until EOF. Its control flow
// deliberately mirrors a fragile pattern documented in spec.md section
// 9: the clean end-of-file branch returns success from inside the
// loop; the statement after the loop is a bailout that is only
// reachable if the loop is ever changed to fall out of its own
// accord. Do not "simplify" this away -- a reader that reaches the
// post-loop line on a clean file is exactly the bug being reproduced.
func readEntries(sc *bufio.Scanner, h Header) ([]DirEntry, error) {
	var entries []DirEntry
	for {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("bbpdir: reading entries: %w", err)
			}
			// Clean end of file: success returns here, not below.
			return entries, nil
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseLine(line, h)
		if err != nil {
			return nil, err
		}
		if e.ID >= h.Size {
			return nil, fmt.Errorf("%w: entry id %d exceeds BBPsize %d", ErrCorruptDirectory, e.ID, h.Size)
		}
		entries = append(entries, e)
	}
	// Unreachable: the loop above only exits through an explicit
	// return. Kept, structurally, as the bailout the source always
	// falls through to -- see the function comment.
	return nil, errors.New("bbpdir: fell through the entry loop without a terminating line")
}

// decodeEmptyField reverses emptyField's "-" placeholder for a field
// that would otherwise silently collapse under the whitespace-run
// splitting parseLine uses.
func decodeEmptyField(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func parseLine(line string, h Header) (DirEntry, error) {
	f := strings.Fields(line)
	const minFields = 19 // id .. hsize, before the trailing literal 0
	if len(f) < minFields+1 {
		return DirEntry{}, fmt.Errorf("bbpdir: malformed entry line (too few fields): %q", line)
	}

	var e DirEntry
	var err error

	next := 0
	readUint := func(name string) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = strconv.ParseUint(f[next], 10, 64)
		if err != nil {
			err = fmt.Errorf("bbpdir: field %s: %w", name, err)
		}
		next++
		return v
	}
	readInt := func(name string) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = strconv.ParseInt(f[next], 10, 64)
		if err != nil {
			err = fmt.Errorf("bbpdir: field %s: %w", name, err)
		}
		next++
		return v
	}
	readStr := func() string {
		v := f[next]
		next++
		return v
	}

	e.ID = uint32(readUint("id"))
	e.Status = uint32(readUint("status"))
	e.Logical = readStr()
	e.Physical = readStr()
	e.Props = decodeEmptyField(readStr())
	e.Count = readInt("count")
	e.Capacity = readInt("capacity")
	e.HSeqBase = readInt("hseqbase")
	e.Type = readStr()
	e.Width = int(readInt("width"))
	e.Var = readInt("var") != 0
	e.Flags = uint32(readUint("flags"))
	e.NoKey0 = readInt("nokey0")
	e.NoKey1 = readInt("nokey1")
	e.NoSorted = readInt("nosorted")
	e.NoRevSorted = readInt("norevsorted")
	e.SeqBase = readInt("seqbase")
	e.HeapFree = readInt("hfree")
	e.HeapSize = readInt("hsize")
	zero := readInt("reserved-zero")
	if err == nil && zero != 0 {
		err = fmt.Errorf("bbpdir: entry %d: expected literal 0, got %d", e.ID, zero)
	}
	if err != nil {
		return DirEntry{}, err
	}

	if h.GDKVersion.HasMinMax() {
		if len(f) < next+2 {
			return DirEntry{}, fmt.Errorf("bbpdir: entry %d: missing minpos/maxpos for a 14-field heap line", e.ID)
		}
		mn := readInt("minpos")
		mx := readInt("maxpos")
		if err != nil {
			return DirEntry{}, err
		}
		e.MinPos, e.MaxPos = &mn, &mx
	}

	if e.Var {
		if len(f) < next+3 {
			return DirEntry{}, fmt.Errorf("bbpdir: entry %d: marked variable-width but missing vheap fields", e.ID)
		}
		vf := readInt("vhfree")
		vs := readInt("vhsize")
		vzero := readInt("vheap-reserved-zero")
		if err != nil {
			return DirEntry{}, err
		}
		if vzero != 0 {
			return DirEntry{}, fmt.Errorf("bbpdir: entry %d: expected literal 0 after vheap, got %d", e.ID, vzero)
		}
		e.VarHeapFree, e.VarHeapSize = &vf, &vs
	}

	if next < len(f) {
		e.Options = strings.Join(f[next:], " ")
	}

	if e.Width < 0 {
		return DirEntry{}, fmt.Errorf("bbpdir: entry %d: negative width", e.ID)
	}
	if e.Var && e.Width != 0 && h.GDKVersion.NeedsTailRename() {
		// Pre-rename directories store narrow string offset heaps
		// under the single name "tail"; the caller (migration tool)
		// is responsible for the rename, not this reader -- it only
		// needs to know the rename is still pending.
	}

	return e, nil
}
