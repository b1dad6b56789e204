package mpdconv

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	templateBandwidth = regexp.MustCompile(`\$Bandwidth(%[^$]+)?\$`)
	templateRepID     = regexp.MustCompile(`\$RepresentationID\$`)
	templateNumber    = regexp.MustCompile(`\$Number(%[^$]+)?\$`)
	templateTime      = regexp.MustCompile(`\$Time(%[^$]+)?\$`)
)

// templateParams carries the values a DASH URL template may reference.
type templateParams struct {
	repID     string
	bandwidth int64
	number    *int64
	time      *int64
}

// expandTemplate substitutes $Bandwidth$, $RepresentationID$, $Number$ and
// $Time$ placeholders in a SegmentTemplate URL, honoring an optional
// printf-style `%fmt` conversion spec per placeholder, per spec.md §4.5's
// template expansion rules.
func expandTemplate(tpl string, p templateParams) string {
	out := templateBandwidth.ReplaceAllStringFunc(tpl, func(m string) string {
		return applyFormat(templateBandwidth, m, p.bandwidth)
	})
	out = templateRepID.ReplaceAllString(out, p.repID)
	if p.number != nil {
		out = templateNumber.ReplaceAllStringFunc(out, func(m string) string {
			return applyFormat(templateNumber, m, *p.number)
		})
	}
	if p.time != nil {
		out = templateTime.ReplaceAllStringFunc(out, func(m string) string {
			return applyFormat(templateTime, m, *p.time)
		})
	}
	return out
}

// applyFormat extracts the `%fmt` capture (if any) from a matched
// placeholder and renders value with it, falling back to plain decimal.
func applyFormat(re *regexp.Regexp, match string, value int64) string {
	sub := re.FindStringSubmatch(match)
	if len(sub) < 2 || sub[1] == "" {
		return strconv.FormatInt(value, 10)
	}
	return fmt.Sprintf(sub[1], value)
}
