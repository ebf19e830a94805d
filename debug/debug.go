// Package debug prints cache contents for humans.
package debug

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/jnwhiteh/blockcache/bcache"
	"github.com/jnwhiteh/blockcache/common"
)

// DumpBlock writes a hex dump of a block, 16 bytes per line, with offsets
// relative to the start of the device. Runs of identical lines are folded
// into a single "*" line.
func DumpBlock(w io.Writer, data []byte, blockno uint32) error {
	base := common.BlockPos(blockno, len(data))
	fmt.Fprintf(w, "block %d (%d bytes at %#x)\n", blockno, len(data), base)

	var prev []byte
	folded := false
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		if prev != nil && end-off == 16 && string(line) == string(prev) {
			if !folded {
				if _, err := io.WriteString(w, "*\n"); err != nil {
					return err
				}
				folded = true
			}
			continue
		}
		prev, folded = line, false

		var ascii strings.Builder
		for _, c := range line {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			ascii.WriteByte(c)
		}
		hexed := hex.EncodeToString(line)
		var spaced strings.Builder
		for i := 0; i < len(hexed); i += 2 {
			if i > 0 {
				spaced.WriteByte(' ')
			}
			spaced.WriteString(hexed[i : i+2])
		}
		if _, err := fmt.Fprintf(w, "%08x  %-47s  |%s|\n", base+int64(off), spaced.String(), ascii.String()); err != nil {
			return err
		}
	}
	return nil
}

// PrintLayout writes one line per shard listing its slots from MRU to LRU.
// Free slots show as "-", referenced slots carry their count and invalid
// slots a trailing "?".
func PrintLayout(w io.Writer, layout []bcache.ShardInfo) error {
	for _, sh := range layout {
		fields := make([]string, 0, len(sh.Slots))
		for _, s := range sh.Slots {
			fields = append(fields, slotString(s))
		}
		if _, err := fmt.Fprintf(w, "shard %2d [%d]: %s\n", sh.Index, len(sh.Slots), strings.Join(fields, " ")); err != nil {
			return err
		}
	}
	return nil
}

func slotString(s bcache.SlotInfo) string {
	if s.Dev == common.NoDev {
		return fmt.Sprintf("#%d:-", s.Slot)
	}
	str := fmt.Sprintf("#%d:%d/%d", s.Slot, s.Dev, s.BlockNo)
	if s.RefCount > 0 {
		str += fmt.Sprintf("(%d)", s.RefCount)
	}
	if !s.Valid {
		str += "?"
	}
	return str
}
