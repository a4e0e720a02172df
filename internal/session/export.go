package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// ExportDoc is the structured export artifact. A read-only projection of
// the aggregate; building it never mutates session state.
type ExportDoc struct {
	SessionID   string                `json:"sessionId"`
	StartedAt   time.Time             `json:"startedAt"`
	ExportedAt  time.Time             `json:"exportedAt"`
	Participant Participant           `json:"participant"`
	PreTask     PreTask               `json:"preTask"`
	Messages    []Message             `json:"messages"`
	Annotations map[string]Annotation `json:"annotations"`
}

// BuildExport projects a session snapshot into the export document.
func BuildExport(s Session) ExportDoc {
	return ExportDoc{
		SessionID:   s.SessionID,
		StartedAt:   s.StartedAt,
		ExportedAt:  time.Now().UTC(),
		Participant: s.Participant,
		PreTask:     s.PreTask,
		Messages:    s.Messages,
		Annotations: s.Annotations,
	}
}

// Transcript renders the conversation as role-labeled plain text lines.
func Transcript(s Session) string {
	var b strings.Builder
	for _, m := range s.Messages {
		label := "You"
		if m.Role == RoleReply {
			label = "Partner"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Text)
	}
	return b.String()
}

// SafeFileBase builds the "lastname_firstname" filename stem, lowercased
// with anything outside [a-z0-9] collapsed to underscores.
func SafeFileBase(p Participant) string {
	base := sanitizeName(p.LastName) + "_" + sanitizeName(p.FirstName)
	if base == "_" {
		return "participant"
	}
	return strings.Trim(base, "_")
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLower(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Export writes both artifacts into dir and returns their paths:
// <base>_chat.txt with the plain transcript and <base>_all.json with the
// full structured export.
func (c *Controller) Export(ctx context.Context, dir string) (txtPath, jsonPath string, err error) {
	snap := c.Snapshot()
	base := SafeFileBase(snap.Participant)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create export dir: %w", err)
	}

	txtPath = filepath.Join(dir, base+"_chat.txt")
	if err := os.WriteFile(txtPath, []byte(Transcript(snap)), 0o644); err != nil {
		return "", "", fmt.Errorf("write transcript: %w", err)
	}

	raw, err := json.MarshalIndent(BuildExport(snap), "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode export: %w", err)
	}
	jsonPath = filepath.Join(dir, base+"_all.json")
	if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
		return "", "", fmt.Errorf("write export: %w", err)
	}

	c.record(ctx, EventExportDownloaded, map[string]any{"files": []string{base + "_chat.txt", base + "_all.json"}})
	c.logger.Info("session exported", "dir", dir, "base", base)
	return txtPath, jsonPath, nil
}
