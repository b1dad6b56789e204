package mpdconv

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	fmp4MediaPlaylistVersion = 7
	holdBackSegments         = 3 // spec.md §9 Open Question #1: 3 segments, adopted verbatim.
	defaultDVRWindowSeconds  = 180.0
	fallbackVODSegmentCount  = 10
)

// segment is one media-playlist entry after template expansion.
type segment struct {
	number        int64
	time          int64 // cumulative timeline position, in the template's timescale units
	duration      float64
	discontinuity bool
}

// ClearKeyParam carries a parsed "KID:KEY" hex pair requesting server-side
// decryption, per spec.md §4.5's decryption_query.
type ClearKeyParam struct {
	KID string
	Key string
}

// MediaOptions configures ConvertMedia.
type MediaOptions struct {
	ProxyBase   string
	OriginalURL string // upstream MPD URL, post-redirect
	ExtraParams string
	ClearKey    *ClearKeyParam
	// DVRWindow overrides the default 180s window used when the MPD omits
	// timeShiftBufferDepth.
	DVRWindow time.Duration
}

// ConvertMedia builds an HLS media playlist for one Representation, per
// spec.md §4.5.
func ConvertMedia(mpd *MPD, repID string, opts MediaOptions) (string, error) {
	rep, aset, _, found := mpd.findRepresentation(repID)
	if !found {
		return "", ErrRepresentationNotFound
	}

	st := segmentTemplateFor(rep, aset)
	if st == nil {
		return "", ErrSegmentTemplateRequired
	}

	isLive := mpd.IsLive()
	timescale := st.effectiveTimescale()
	startNumber := st.startNumber()

	serverSideDecryption := opts.ClearKey != nil

	baseURL := resolveBaseURL(mpd, opts.OriginalURL)

	lines := []string{"#EXTM3U", fmt.Sprintf("#EXT-X-VERSION:%d", fmp4MediaPlaylistVersion)}

	var encodedInitURL string
	if st.Initialization != "" {
		initRel := expandTemplate(st.Initialization, templateParams{repID: repID, bandwidth: rep.Bandwidth})
		fullInitURL := resolveAgainst(baseURL, initRel)
		encodedInitURL = url.QueryEscape(fullInitURL)
		if !serverSideDecryption {
			lines = append(lines, fmt.Sprintf(`#EXT-X-MAP:URI="%s/segment/init.mp4?base_url=%s%s"`,
				strings.TrimRight(opts.ProxyBase, "/"), encodedInitURL, opts.ExtraParams))
		}
	}

	segments, err := buildSegments(st, mpd, timescale, startNumber)
	if err != nil {
		return "", err
	}

	if isLive {
		window := opts.DVRWindow.Seconds()
		if window <= 0 {
			window = dvrWindowFromMPD(mpd)
		}
		segments = applyDVRWindow(segments, window)
		segments = applyHoldBack(segments, holdBackSegments)
	}

	if isLive {
		if len(segments) > 0 {
			lines = insertAfterVersion(lines, fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d", segments[0].number))
			lines = insertAfterVersion(lines, fmt.Sprintf("#EXT-X-TARGETDURATION:%d", int(math.Ceil(maxDuration(segments)))))
		} else {
			lines = insertAfterVersion(lines, "#EXT-X-TARGETDURATION:6")
		}
	} else if len(segments) > 0 {
		lines = insertAfterVersion(lines, fmt.Sprintf("#EXT-X-TARGETDURATION:%d", int(math.Ceil(maxDuration(segments)))))
		lines = append(lines, "#EXT-X-PLAYLIST-TYPE:VOD")
	}

	availabilityStart, _ := parseUTCTime(mpd.AvailabilityStartTime)

	for _, seg := range segments {
		if seg.discontinuity {
			lines = append(lines, "#EXT-X-DISCONTINUITY")
		}
		if isLive && !availabilityStart.IsZero() {
			pdt := availabilityStart.Add(time.Duration(float64(seg.time) / float64(timescale) * float64(time.Second)))
			lines = append(lines, fmt.Sprintf("#EXT-X-PROGRAM-DATE-TIME:%s", pdt.UTC().Format("2006-01-02T15:04:05.000000Z")))
		}

		segRel := expandTemplate(st.Media, templateParams{
			repID:     repID,
			bandwidth: rep.Bandwidth,
			number:    &seg.number,
			time:      &seg.time,
		})
		fullSegURL := resolveAgainst(baseURL, segRel)
		encodedSegURL := url.QueryEscape(fullSegURL)

		lines = append(lines, fmt.Sprintf("#EXTINF:%.6f,", seg.duration))
		if serverSideDecryption {
			lines = append(lines, fmt.Sprintf("%s/decrypt/segment.mp4?url=%s&init_url=%s&key=%s&key_id=%s%s",
				strings.TrimRight(opts.ProxyBase, "/"), encodedSegURL, encodedInitURL,
				opts.ClearKey.Key, opts.ClearKey.KID, opts.ExtraParams))
		} else {
			lines = append(lines, fmt.Sprintf("%s/segment/%s?base_url=%s%s",
				strings.TrimRight(opts.ProxyBase, "/"), path.Base(segRel), encodedSegURL, opts.ExtraParams))
		}
	}

	if !isLive {
		lines = append(lines, "#EXT-X-ENDLIST")
	}

	return strings.Join(lines, "\n"), nil
}

// ParseClearKeyParam parses "KID:KEY" (both hex) into a ClearKeyParam.
func ParseClearKeyParam(raw string) (*ClearKeyParam, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("mpdconv: malformed clearkey parameter %q", raw)
	}
	return &ClearKeyParam{KID: parts[0], Key: parts[1]}, nil
}

func buildSegments(st *SegmentTemplate, mpd *MPD, timescale, startNumber int64) ([]segment, error) {
	if st.Timeline != nil {
		return expandTimeline(st.Timeline, timescale, startNumber), nil
	}
	if st.Duration <= 0 {
		return nil, ErrSegmentTemplateRequired
	}
	segDuration := float64(st.Duration) / float64(timescale)

	count := fallbackVODSegmentCount
	if !mpd.IsLive() && len(mpd.Periods) > 0 {
		totalDuration := parseISODuration(mpd.Periods[0].Duration)
		if totalDuration > 0 {
			count = int(totalDuration / segDuration)
		}
	}

	segments := make([]segment, 0, count)
	for i := 0; i < count; i++ {
		num := startNumber + int64(i)
		segments = append(segments, segment{
			number:   num,
			time:     num * st.Duration,
			duration: segDuration,
		})
	}
	return segments, nil
}

// expandTimeline walks <S t=? d=N r=K> entries into individual segments,
// per spec.md §4.5 step 4.
func expandTimeline(tl *SegmentTimeline, timescale, startNumber int64) []segment {
	var segments []segment
	var currentTime int64
	currentSeq := startNumber

	for _, s := range tl.S {
		if s.T != nil {
			newTime := *s.T
			if len(segments) > 0 && newTime-currentTime > timescale {
				segments[len(segments)-1].discontinuity = true
			}
			currentTime = newTime
		}

		count := s.R + 1
		durationSec := float64(s.D) / float64(timescale)

		for i := int64(0); i < count; i++ {
			segments = append(segments, segment{
				number:   currentSeq,
				time:     currentTime,
				duration: durationSec,
			})
			currentTime += s.D
			currentSeq++
		}
	}
	return segments
}

// applyDVRWindow keeps the suffix of segments whose accumulated duration
// (from the live edge backwards) reaches window seconds.
func applyDVRWindow(segments []segment, window float64) []segment {
	if len(segments) == 0 {
		return segments
	}
	var total float64
	for _, s := range segments {
		total += s.duration
	}
	if total <= window {
		return segments
	}

	var accumulated float64
	cut := 0
	for i := len(segments) - 1; i >= 0; i-- {
		accumulated += segments[i].duration
		cut = i
		if accumulated >= window {
			break
		}
	}
	return segments[cut:]
}

// applyHoldBack drops the n newest (live-edge) segments, per spec.md §9
// Open Question #1.
func applyHoldBack(segments []segment, n int) []segment {
	if len(segments) <= n {
		return nil
	}
	return segments[:len(segments)-n]
}

func dvrWindowFromMPD(mpd *MPD) float64 {
	if mpd.TimeShiftBufferDepth == "" {
		return defaultDVRWindowSeconds
	}
	return parseISODuration(mpd.TimeShiftBufferDepth)
}

func maxDuration(segments []segment) float64 {
	var max float64
	for _, s := range segments {
		if s.duration > max {
			max = s.duration
		}
	}
	return max
}

// insertAfterVersion inserts line right after the #EXT-X-VERSION header,
// matching the original converter's lines.insert(2, ...) placement.
func insertAfterVersion(lines []string, line string) []string {
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:2]...)
	out = append(out, line)
	out = append(out, lines[2:]...)
	return out
}

func resolveBaseURL(mpd *MPD, originalURL string) string {
	var base string
	if mpd.BaseURL != "" {
		base = resolveAgainst(originalURL, mpd.BaseURL)
	} else {
		base = dirOf(originalURL)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func resolveAgainst(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	resolved, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return resolved.String()
}

func dirOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Path = path.Dir(u.Path)
	u.RawQuery = ""
	return u.String()
}
