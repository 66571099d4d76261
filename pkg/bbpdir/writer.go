package bbpdir

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteDir serializes header followed by the merge of old and
// overrides: every old entry whose id is not present in overrides is
// copied forward verbatim, in strictly ascending id order; every
// entry in overrides is emitted in its place. This is the writer half
// of spec.md section 4.5/4.6 -- the merge a subcommit performs to
// leave untouched BATs byte-identical in the new manifest.
//
// old and overrides must each already be sorted ascending by ID; the
// caller (the commit protocol) is responsible for that invariant.
// WriteDir always emits the current version's 14-field heap line,
// since every commit upgrades the directory to VersionCurrent; an
// entry with no recorded minpos/maxpos is written with -1 for both.
func WriteDir(w io.Writer, h Header, old []DirEntry, overrides []DirEntry) error {
	h.GDKVersion = VersionCurrent
	bw := bufio.NewWriter(w)

	if err := writeHeader(bw, h); err != nil {
		return err
	}

	oi := 0
	for _, e := range overrides {
		// step(id): advance the merge cursor past old entries < id,
		// copying each one forward untouched.
		for oi < len(old) && old[oi].ID < e.ID {
			if err := writeEntry(bw, old[oi]); err != nil {
				return err
			}
			oi++
		}
		// drop the old entry at id, if any -- it is superseded by e.
		if oi < len(old) && old[oi].ID == e.ID {
			oi++
		}
		if err := writeEntry(bw, e); err != nil {
			return err
		}
	}
	for oi < len(old) {
		if err := writeEntry(bw, old[oi]); err != nil {
			return err
		}
		oi++
	}

	return bw.Flush()
}

func writeHeader(w *bufio.Writer, h Header) error {
	if _, err := fmt.Fprintf(w, "BBP.dir, GDKversion %d\n", int(h.GDKVersion)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d %d %d\n", h.PtrSize, h.OidSize, h.MaxIntSize); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "BBPsize=%d\n", h.Size); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "BBPinfo=%d %d\n", h.LogSeqNo, h.TransID); err != nil {
		return err
	}
	return nil
}

func writeEntry(w *bufio.Writer, e DirEntry) error {
	fields := []string{
		strconv.FormatUint(uint64(e.ID), 10),
		strconv.FormatUint(uint64(e.Status), 10),
		e.Logical,
		e.Physical,
		emptyField(e.Props),
		strconv.FormatInt(e.Count, 10),
		strconv.FormatInt(e.Capacity, 10),
		strconv.FormatInt(e.HSeqBase, 10),
		e.Type,
		strconv.Itoa(e.Width),
		boolField(e.Var),
		strconv.FormatUint(uint64(e.Flags), 10),
		strconv.FormatInt(e.NoKey0, 10),
		strconv.FormatInt(e.NoKey1, 10),
		strconv.FormatInt(e.NoSorted, 10),
		strconv.FormatInt(e.NoRevSorted, 10),
		strconv.FormatInt(e.SeqBase, 10),
		strconv.FormatInt(e.HeapFree, 10),
		strconv.FormatInt(e.HeapSize, 10),
		"0",
	}
	minPos, maxPos := int64(-1), int64(-1)
	if e.MinPos != nil {
		minPos = *e.MinPos
	}
	if e.MaxPos != nil {
		maxPos = *e.MaxPos
	}
	fields = append(fields, strconv.FormatInt(minPos, 10), strconv.FormatInt(maxPos, 10))
	if e.Var {
		var vf, vs int64
		if e.VarHeapFree != nil {
			vf = *e.VarHeapFree
		}
		if e.VarHeapSize != nil {
			vs = *e.VarHeapSize
		}
		fields = append(fields, strconv.FormatInt(vf, 10), strconv.FormatInt(vs, 10), "0")
	}
	if e.Options != "" {
		fields = append(fields, e.Options)
	}
	_, err := fmt.Fprintln(w, strings.Join(fields, " "))
	return err
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// emptyField guards a fixed-position optional string field: the
// reader splits on whitespace runs, so an empty field would silently
// collapse and misalign every field after it. "-" is the placeholder
// for "no value".
func emptyField(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
