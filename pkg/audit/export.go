package audit

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTimeRange = errors.New("audit: start must be before end")

// ExportRequest selects the entries of an evidence pack. Zero times are open
// bounds; an empty Names matches every event.
type ExportRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Names []string  `json:"names,omitempty"`
}

// Manifest describes an evidence pack.
type Manifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	EntryCount  int       `json:"entry_count"`
	ChainHead   string    `json:"chain_head"`
	ChainValid  bool      `json:"chain_valid"`
	Start       time.Time `json:"start,omitempty"`
	End         time.Time `json:"end,omitempty"`
}

// Export bundles selected entries of a verified chain into a zip archive
// with a manifest, and returns the archive with its sha256 checksum. The
// whole chain is verified before anything is selected.
func Export(entries []Entry, req ExportRequest, now time.Time) ([]byte, string, error) {
	if !req.Start.IsZero() && !req.End.IsZero() && req.Start.After(req.End) {
		return nil, "", ErrInvalidTimeRange
	}
	if err := VerifyEntries(entries); err != nil {
		return nil, "", err
	}

	names := make(map[string]bool, len(req.Names))
	for _, n := range req.Names {
		names[n] = true
	}
	selected := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !req.Start.IsZero() && e.Timestamp.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && e.Timestamp.After(req.End) {
			continue
		}
		if len(names) > 0 && !names[e.Name] {
			continue
		}
		selected = append(selected, e)
	}

	head := GenesisHash
	if n := len(entries); n > 0 {
		head = entries[n-1].Hash
	}
	manifest := Manifest{
		GeneratedAt: now.UTC(),
		EntryCount:  len(selected),
		ChainHead:   head,
		ChainValid:  true,
		Start:       req.Start,
		End:         req.End,
	}

	entriesJSON, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal entries: %w", err)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"entries.json", entriesJSON},
		{"manifest.json", manifestJSON},
	} {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
