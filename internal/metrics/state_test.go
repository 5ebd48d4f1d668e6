package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStatePersister_WriteAndRead(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SetPhase("serving")
	c.SessionConnected("client-1")
	c.SessionProgressed("client-1", 0, 50, 1024)

	// Create persister with temp directory.
	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "state.json"),
		done:      make(chan struct{}),
	}

	sp.write()

	data, err := os.ReadFile(sp.path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if snap.Phase != "serving" {
		t.Errorf("Phase = %q, want serving", snap.Phase)
	}
	if snap.TotalChanges != 50 {
		t.Errorf("TotalChanges = %d, want 50", snap.TotalChanges)
	}
}

func TestStatePersister_AtomicWrite(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state.json")
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      path,
		done:      make(chan struct{}),
	}

	sp.write()

	// Verify no .tmp file remains.
	tmpFile := path + ".tmp"
	if _, err := os.Stat(tmpFile); !os.IsNotExist(err) {
		t.Error("temporary file should not exist after write")
	}

	// Verify main file exists.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file should exist: %v", err)
	}
}

func TestStatePersister_StartStop(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "state.json"),
		done:      make(chan struct{}),
	}

	sp.Start()
	time.Sleep(100 * time.Millisecond)
	sp.Stop()

	// Double stop should not panic.
	sp.Stop()
}

func TestSnapshotJSON(t *testing.T) {
	snap := Snapshot{
		Timestamp: time.Now(),
		Phase:     "serving",
		Sessions: []SessionProgress{
			{ClientID: "client-1", State: SessionLive, ChangesDelivered: 100},
		},
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if decoded.Phase != "serving" {
		t.Errorf("Phase = %q, want serving", decoded.Phase)
	}
	if len(decoded.Sessions) != 1 {
		t.Fatalf("Sessions count = %d, want 1", len(decoded.Sessions))
	}
	if decoded.Sessions[0].State != SessionLive {
		t.Errorf("Session state = %q, want live", decoded.Sessions[0].State)
	}
}
