/*
Package bbpdir reads and writes the BBP.dir manifest: the text file
that enumerates every persistent BAT and its heap metadata.

# Layout

	BBP.dir, GDKversion <v>
	<ptrsize> <oidsize> <maxintsize>
	BBPsize=<n>
	BBPinfo=<logseqno> <txid>
	<id> <status> <logical> <physical> <props> <count> <capacity> ...

Each data line describes one BAT: its identity and name, its element
type and heap sizes, and a handful of sort/key flags. Two fields are
version-gated -- minpos/maxpos (added later) and the name of a
variable-width string tail heap (renamed from "tail" to "tail1"/
"tail2"/"tail4") -- so the reader accepts the current version and its
two documented predecessors, and the writer always emits current.

# Round-trip

	old BBP.dir --ReadDir--> []DirEntry --WriteDir--> new BBP.dir

WriteDir merges a sorted "old" entry set with a sorted "overrides" set
the caller wants to replace, in strictly ascending id order -- the
shape a subcommit needs: everything not named in overrides must
reappear byte-identical.
*/
package bbpdir
