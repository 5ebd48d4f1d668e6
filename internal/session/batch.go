package session

import (
	"encoding/json"

	"github.com/vibestack/syncd/internal/walstream"
)

// chunk groups consecutive records into wire-sized deliveries, never
// splitting a transaction (records sharing an XID) across two chunks. A
// single transaction that exceeds maxBytes or maxRecords still gets its
// own chunk — the per-transaction atomicity rule wins over the size caps
// (§8 boundary behaviors).
func chunk(records []walstream.Record, maxRecords, maxBytes int) [][]walstream.Record {
	groups := groupByTransaction(records)

	var chunks [][]walstream.Record
	var cur []walstream.Record
	curBytes := 0

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, cur)
			cur = nil
			curBytes = 0
		}
	}

	for _, g := range groups {
		gBytes := groupBytes(g)
		fitsAlone := len(g) <= maxRecords && gBytes <= maxBytes

		if fitsAlone && len(cur)+len(g) <= maxRecords && curBytes+gBytes <= maxBytes {
			cur = append(cur, g...)
			curBytes += gBytes
			continue
		}

		flush()
		if fitsAlone {
			cur = append(cur, g...)
			curBytes = gBytes
			continue
		}
		// Oversized transaction: it gets a chunk of its own regardless of caps.
		chunks = append(chunks, g)
	}
	flush()

	return chunks
}

// groupByTransaction partitions records into consecutive runs sharing the
// same non-empty XID; records with an empty XID are each their own group.
func groupByTransaction(records []walstream.Record) [][]walstream.Record {
	var groups [][]walstream.Record
	var cur []walstream.Record

	for _, r := range records {
		if len(cur) > 0 && r.XID != "" && r.XID == cur[len(cur)-1].XID {
			cur = append(cur, r)
			continue
		}
		if len(cur) > 0 {
			groups = append(groups, cur)
		}
		cur = []walstream.Record{r}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func groupBytes(g []walstream.Record) int {
	total := 0
	for _, r := range g {
		total += recordBytes(r)
	}
	return total
}

func recordBytes(r walstream.Record) int {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return 0
	}
	return len(data)
}
