package status

import "strings"

// ParseRecords decodes a rendered header area back into key/value form,
// stopping at the END record. Quoted values are unquoted and trimmed. This is
// the consumer-side inverse of SnapshotWith; downstream tools use it to read
// per-block fields like BLOCSIZE and DAQSTATE out of finalized headers.
func ParseRecords(hdr []byte) map[string]string {
	out := make(map[string]string)
	for off := 0; off+RecordSize <= len(hdr); off += RecordSize {
		rec := string(hdr[off : off+RecordSize])
		key := strings.TrimSpace(rec[:8])
		if key == "END" {
			break
		}
		if key == "" || len(rec) < 10 || rec[8] != '=' {
			continue
		}
		val := strings.TrimSpace(rec[9:])
		if len(val) >= 2 && val[0] == '\'' {
			val = strings.TrimSpace(strings.Trim(val, "'"))
		}
		out[key] = val
	}
	return out
}
