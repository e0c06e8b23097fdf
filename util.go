package imapproxy

import (
	"slices"
	"strconv"
	"strings"
)

// dropNl removes trailing newline characters from a byte slice
func dropNl(b []byte) []byte {
	if len(b) >= 1 && b[len(b)-1] == '\n' {
		if len(b) >= 2 && b[len(b)-2] == '\r' {
			return b[:len(b)-2]
		} else {
			return b[:len(b)-1]
		}
	}
	return b
}

// quote renders s as an IMAP quoted string.
func quote(s string) string {
	return `"` + AddSlashes.Replace(s) + `"`
}

// formatUIDSet renders uids as a compact IMAP sequence set, e.g.
// "1:3,7,9:10". Duplicates are dropped and zero is ignored.
func formatUIDSet(uids []uint32) string {
	sorted := make([]uint32, 0, len(uids))
	for _, u := range uids {
		if u != 0 {
			sorted = append(sorted, u)
		}
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var b strings.Builder
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(sorted[i]), 10))
		if j > i {
			b.WriteByte(':')
			b.WriteString(strconv.FormatUint(uint64(sorted[j]), 10))
		}
		i = j + 1
	}
	return b.String()
}

// chunk splits uids into consecutive slices of at most size elements.
func chunk(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = len(uids)
	}
	var out [][]uint32
	for len(uids) > 0 {
		n := min(size, len(uids))
		out = append(out, uids[:n])
		uids = uids[n:]
	}
	return out
}
