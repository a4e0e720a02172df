package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTranscript(t *testing.T) {
	s := sampleSession()
	got := Transcript(s.Clone())
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want 5", len(lines))
	}
	if lines[0] != "You: What did you shade?" {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if lines[1] != "Partner: The top three parts." {
		t.Fatalf("line 1 = %q", lines[1])
	}
}

func TestSafeFileBase(t *testing.T) {
	tests := []struct {
		p    Participant
		want string
	}{
		{Participant{FirstName: "Ada", LastName: "Byron"}, "byron_ada"},
		{Participant{FirstName: "Mary Lou", LastName: "O'Neil"}, "o_neil_mary_lou"},
		{Participant{}, "participant"},
	}
	for _, tt := range tests {
		if got := SafeFileBase(tt.p); got != tt.want {
			t.Errorf("SafeFileBase(%+v) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestExport_WritesBothArtifacts(t *testing.T) {
	persist := &memPersister{}
	c := NewController(sampleSession(), persist, nil, &fakeReplierImpl{}, nil, nil)
	dir := t.TempDir()

	txtPath, jsonPath, err := c.Export(context.Background(), dir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if filepath.Base(txtPath) != "byron_ada_chat.txt" {
		t.Fatalf("txt = %q, want byron_ada_chat.txt", filepath.Base(txtPath))
	}
	if filepath.Base(jsonPath) != "byron_ada_all.json" {
		t.Fatalf("json = %q, want byron_ada_all.json", filepath.Base(jsonPath))
	}

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var doc ExportDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(doc.Messages) != 5 || len(doc.Annotations) != 2 {
		t.Fatalf("export doc = %d messages, %d annotations", len(doc.Messages), len(doc.Annotations))
	}

	// Export is a read-only projection.
	before := len(persist.docs)
	if _, _, err := c.Export(context.Background(), dir); err != nil {
		t.Fatalf("re-export: %v", err)
	}
	if len(persist.docs) != before {
		t.Fatal("export persisted session state")
	}
}
