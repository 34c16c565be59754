package record

import (
	"fmt"
	"strings"
)

// LibraryFootagePrefix marks footage requiring manual review; library
// clips never auto-advance past frame creation.
const LibraryFootagePrefix = "LF"

// Footage is a video clip held in the record store. The typed core is
// what the controller reasons about; everything else the step scripts
// need travels in Extras untouched.
type Footage struct {
	ID        string
	RecordKey string
	Status    FootageStatus
	RawStatus string
	URL       string
	FilePath  string
	Extras    map[string]any
}

// IsLibrary reports whether this clip is library footage (an 'LF'
// prefixed ID), which is policy-gated from automatic URL scraping.
func (f *Footage) IsLibrary() bool {
	return strings.HasPrefix(f.ID, LibraryFootagePrefix)
}

// HasURL reports whether the clip carries a usable external URL. An
// empty or whitespace-only value gates the scraping step off entirely.
func (f *Footage) HasURL() bool {
	return strings.TrimSpace(f.URL) != ""
}

func (f *Footage) String() string {
	return fmt.Sprintf("Footage{id=%s status=%s}", f.ID, f.Status)
}
