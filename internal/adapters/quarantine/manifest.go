package quarantine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/mikey/phishguard/internal/core"
	"lukechampine.com/blake3"
)

const (
	originalName = "original.eml"
	manifestName = "manifest.json"
	attachDir    = "attachments"
)

// manifest describes one quarantined case; it is written after every payload
type manifest struct {
	CaseID       int64                `json:"case_id"`
	EnvelopeFrom string               `json:"envelope_from"`
	EnvelopeTo   []string             `json:"envelope_to"`
	Digest       string               `json:"digest"`
	Size         int                  `json:"size"`
	StoredAt     time.Time            `json:"stored_at"`
	Attachments  []attachmentManifest `json:"attachments"`
}

type attachmentManifest struct {
	Filename    string `json:"filename"`
	StoredName  string `json:"stored_name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Digest      string `json:"digest"`
}

// Digest returns the hex blake3-256 digest of data
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newManifest(snap *core.QuarantineSnapshot) *manifest {
	m := &manifest{
		CaseID:       snap.CaseID,
		EnvelopeFrom: snap.Envelope.From,
		EnvelopeTo:   snap.Envelope.To,
		Digest:       Digest(snap.Raw),
		Size:         len(snap.Raw),
		StoredAt:     snap.StoredAt.UTC(),
		Attachments:  make([]attachmentManifest, 0, len(snap.Attachments)),
	}
	for i, a := range snap.Attachments {
		m.Attachments = append(m.Attachments, attachmentManifest{
			Filename:    a.Filename,
			StoredName:  storedName(i, a.Filename),
			ContentType: a.ContentType,
			Size:        len(a.Data),
			Digest:      Digest(a.Data),
		})
	}
	return m
}

func decodeManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: corrupt manifest: %v", core.ErrStorage, err)
	}
	return &m, nil
}

// snapshot rebuilds a snapshot after checking every payload against its digest
func (m *manifest) snapshot(raw []byte, attachments map[string][]byte) (*core.QuarantineSnapshot, error) {
	if Digest(raw) != m.Digest {
		return nil, fmt.Errorf("%w: digest mismatch for case %d", core.ErrStorage, m.CaseID)
	}

	snap := &core.QuarantineSnapshot{
		CaseID:   m.CaseID,
		Envelope: core.Envelope{From: m.EnvelopeFrom, To: m.EnvelopeTo},
		Raw:      raw,
		Digest:   m.Digest,
		StoredAt: m.StoredAt,
	}
	for _, a := range m.Attachments {
		data, ok := attachments[a.StoredName]
		if !ok {
			return nil, fmt.Errorf("%w: attachment %s missing for case %d", core.ErrStorage, a.StoredName, m.CaseID)
		}
		if Digest(data) != a.Digest {
			return nil, fmt.Errorf("%w: attachment %s digest mismatch for case %d", core.ErrStorage, a.StoredName, m.CaseID)
		}
		snap.Attachments = append(snap.Attachments, core.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        data,
		})
	}
	return snap, nil
}

// storedName makes an attachment filename safe to use as a path element.
// The index prefix keeps duplicate names apart.
func storedName(i int, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0:
			return -1
		case unicode.IsControl(r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "attachment"
	}
	if len(name) > 200 {
		name = strings.ToValidUTF8(name[:200], "")
	}
	return strconv.Itoa(i) + "-" + name
}

func caseKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
