package trace

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// writeTrace writes oracleGeneral records (timestamp, objectID, size) to a
// temp file and returns its path.
func writeTrace(t *testing.T, records [][3]uint64, extraBytes int) string {
	t.Helper()
	buf := make([]byte, 0, len(records)*RecordSize+extraBytes)
	for _, rec := range records {
		var b [RecordSize]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(rec[0]))
		binary.LittleEndian.PutUint64(b[4:12], rec[1])
		binary.LittleEndian.PutUint64(b[12:20], rec[2])
		buf = append(buf, b[:]...)
	}
	buf = append(buf, make([]byte, extraBytes)...)

	path := filepath.Join(t.TempDir(), "trace.oracleGeneral.bin")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// ── Open ────────────────────────────────────────────────────────────────────

func TestOpenMissingFileFails(t *testing.T) {
	t.Parallel()
	if _, err := Open("/no/such/trace.bin", 0); err == nil {
		t.Fatal("expected error opening a missing trace")
	}
}

func TestOpenCountsRecords(t *testing.T) {
	t.Parallel()
	path := writeTrace(t, [][3]uint64{{10, 1, 100}, {11, 2, 200}, {12, 3, 300}}, 0)

	r, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close() //nolint:errcheck

	if r.NumRequests() != 3 {
		t.Errorf("NumRequests = %d, want 3", r.NumRequests())
	}
	if r.Truncated() {
		t.Error("whole-record file should not be truncated")
	}
}

func TestOpenFlagsTruncatedFile(t *testing.T) {
	t.Parallel()
	path := writeTrace(t, [][3]uint64{{10, 1, 100}}, 7)

	r, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close() //nolint:errcheck
	if !r.Truncated() {
		t.Error("file with a partial trailing record should be flagged")
	}
}

// ── Request derivation ──────────────────────────────────────────────────────

func TestReadDerivesRequests(t *testing.T) {
	t.Parallel()
	path := writeTrace(t, [][3]uint64{
		{100, 42, 500},
		{103, 43, 2_000_000}, // over the value cap
	}, 0)

	r, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close() //nolint:errcheck

	var req Request
	if err := r.Read(&req); err != nil {
		t.Fatalf("Read: %v", err)
	}
	// First timestamp rebases to 1 regardless of the raw value.
	if req.Timestamp != 1 {
		t.Errorf("first timestamp = %d, want 1", req.Timestamp)
	}
	if req.Key != "42" {
		t.Errorf("key = %q, want decimal object id", req.Key)
	}
	if req.ValLen != 500 || req.TTL != DefaultTTL || req.Op != OpGet {
		t.Errorf("derived request = %+v", req)
	}

	if err := r.Read(&req); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if req.Timestamp != 4 {
		t.Errorf("second timestamp = %d, want 4 (103-100+1)", req.Timestamp)
	}
	if req.ValLen != MaxValLen {
		t.Errorf("value length = %d, want capped at %d", req.ValLen, MaxValLen)
	}

	if err := r.Read(&req); !errors.Is(err, io.EOF) {
		t.Errorf("read past end: err = %v, want io.EOF", err)
	}
}

func TestReaderIDSeparatesKeySpaces(t *testing.T) {
	t.Parallel()
	path := writeTrace(t, [][3]uint64{{10, 7, 100}}, 0)

	var keys [2]string
	for i, id := range []int{1, 2} {
		r, err := Open(path, id)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		var req Request
		if err := r.Read(&req); err != nil {
			t.Fatalf("Read: %v", err)
		}
		keys[i] = req.Key
		r.Close() //nolint:errcheck
	}
	if keys[0] == keys[1] {
		t.Errorf("readers 1 and 2 derived the same key %q", keys[0])
	}
}
