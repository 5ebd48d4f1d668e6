package history

import (
	"testing"
	"time"
)

// stubRow fakes the single-row Scan pgx produces for a change_history row,
// so scanRecord's error paths can be exercised without a live database.
type stubRow struct {
	lsnText, xid, table, op string
	data                    []byte
}

func (s stubRow) Scan(dest ...any) error {
	*dest[0].(*string) = s.lsnText
	*dest[1].(*string) = s.xid
	*dest[2].(*string) = s.table
	*dest[3].(*string) = s.op
	*dest[4].(*[]byte) = s.data
	*dest[5].(*time.Time) = time.Unix(0, 0).UTC()
	return nil
}

func TestScanRecordValid(t *testing.T) {
	row := stubRow{lsnText: "0/10", xid: "501", table: "tasks", op: "insert", data: []byte(`{"id":"t1","status":"open"}`)}
	rec, err := scanRecord(row)
	if err != nil {
		t.Fatalf("scanRecord: %v", err)
	}
	if rec.Table != "tasks" || rec.XID != "501" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Data["id"] != "t1" {
		t.Errorf("Data[id] = %v, want t1", rec.Data["id"])
	}
}

func TestScanRecordMalformedLSN(t *testing.T) {
	row := stubRow{lsnText: "not-an-lsn", xid: "1", table: "tasks", op: "insert", data: []byte(`{}`)}
	if _, err := scanRecord(row); err == nil {
		t.Fatal("expected error for malformed lsn")
	}
}

func TestScanRecordUnknownOperation(t *testing.T) {
	row := stubRow{lsnText: "0/1", xid: "1", table: "tasks", op: "frobnicate", data: []byte(`{}`)}
	if _, err := scanRecord(row); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestScanRecordMalformedData(t *testing.T) {
	row := stubRow{lsnText: "0/1", xid: "1", table: "tasks", op: "insert", data: []byte(`not json`)}
	if _, err := scanRecord(row); err == nil {
		t.Fatal("expected error for malformed row_data")
	}
}
