package mpdconv

import "errors"

var (
	// ErrRepresentationNotFound is returned when rep_id does not match any
	// Representation in the MPD.
	ErrRepresentationNotFound = errors.New("mpdconv: representation not found")
	// ErrSegmentTemplateRequired is returned when neither the Representation
	// nor its AdaptationSet carries a SegmentTemplate; SegmentList is not
	// implemented, matching the original converter.
	ErrSegmentTemplateRequired = errors.New("mpdconv: SegmentTemplate required (SegmentList not implemented)")
)
