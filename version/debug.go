package version

import (
	"fmt"
	"strings"
)

// DebugString renders the edit for diagnostics. The output is not a
// persistence format.
func (ve *VersionEdit) DebugString() string {
	var b strings.Builder
	b.WriteString("VersionEdit {")
	if ve.hasComparator {
		fmt.Fprintf(&b, "\n  Comparator: %s", ve.comparator)
	}
	if ve.hasLogNumber {
		fmt.Fprintf(&b, "\n  LogNumber: %d", ve.logNumber)
	}
	if ve.hasPrevLogNumber {
		fmt.Fprintf(&b, "\n  PrevLogNumber: %d", ve.prevLogNumber)
	}
	if ve.hasNextFileNumber {
		fmt.Fprintf(&b, "\n  NextFile: %d", ve.nextFileNumber)
	}
	if ve.hasLastSequence {
		fmt.Fprintf(&b, "\n  LastSeq: %d", ve.lastSequence)
	}
	for _, cp := range ve.compactPointers {
		fmt.Fprintf(&b, "\n  CompactPointer: %d %s", cp.Level, cp.Key)
	}
	for _, df := range ve.DeletedFiles() {
		fmt.Fprintf(&b, "\n  DeleteFile: %d %d", df.Level, df.Number)
	}
	for _, df := range ve.DeletedP2Files() {
		fmt.Fprintf(&b, "\n  DeleteP2File: %d %d", df.Level, df.Number)
	}
	for _, nf := range ve.newFiles {
		fmt.Fprintf(&b, "\n  AddFile: %d %d %d %s .. %s",
			nf.Level, nf.Meta.Number, nf.Meta.FileSize, nf.Meta.Smallest, nf.Meta.Largest)
	}
	for _, nf := range ve.newL0Files {
		fmt.Fprintf(&b, "\n  AddL0File: %d %d %d %s .. %s",
			nf.Level, nf.Meta.Number, nf.Meta.FileSize, nf.Meta.Smallest, nf.Meta.Largest)
	}
	b.WriteString("\n}\n")
	return b.String()
}

func (ve *VersionEdit) String() string {
	return ve.DebugString()
}
