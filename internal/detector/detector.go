// Package detector decides whether fetched content differs from the last stored digest.
//
// Comparison is bit-exact: the digest covers the raw fetched bytes with no
// normalisation, so whitespace or timestamp changes on a page count as changes.
// Only the digest is kept, never the page body.
package detector

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// Detection is the outcome of comparing content against a prior digest.
type Detection struct {
	Digest    string
	Changed   bool
	FirstSeen bool
}

// Detector compares content digests.
type Detector struct {
	hasher tracker.Hasher
}

// New builds a Detector around the given hasher.
func New(hasher tracker.Hasher) (*Detector, error) {
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	return &Detector{hasher: hasher}, nil
}

// Detect digests content and compares it with prior. known reports whether a
// prior digest exists at all; an unknown prior always counts as changed.
func (d *Detector) Detect(content []byte, prior string, known bool) (Detection, error) {
	digest, err := d.hasher.Hash(content)
	if err != nil {
		return Detection{}, fmt.Errorf("hash content: %w", err)
	}
	if !known {
		return Detection{Digest: digest, Changed: true, FirstSeen: true}, nil
	}
	return Detection{Digest: digest, Changed: digest != prior}, nil
}
