package mpdconv

import (
	"fmt"
	"net/url"
	"strings"
)

const masterPlaylistVersion = 6

// MasterOptions configures ConvertMaster.
type MasterOptions struct {
	// ProxyBase is the scheme+host+path the recursive per-rep_id request
	// targets (the /proxy/hls/manifest.m3u8 endpoint).
	ProxyBase string
	// OriginalURL is the upstream MPD URL (post-redirect), carried as the
	// recursive request's d= parameter.
	OriginalURL string
	// ExtraParams, when non-empty, is appended verbatim to every generated
	// URI (e.g. forwarded h_* headers, api_password); it must already begin
	// with "&" or be empty.
	ExtraParams string
}

// ConvertMaster builds an HLS master playlist from mpd's AdaptationSets,
// per spec.md §4.5: classify by mime/contentType, emit one #EXT-X-MEDIA
// per audio/subtitle Representation and one #EXT-X-STREAM-INF per video
// Representation.
func ConvertMaster(mpd *MPD, opts MasterOptions) string {
	var video, audio, subtitle []AdaptationSet
	for _, period := range mpd.Periods {
		for _, aset := range period.AdaptationSets {
			switch classifyAdaptationSet(aset) {
			case kindVideo:
				video = append(video, aset)
			case kindAudio:
				audio = append(audio, aset)
			case kindSubtitle:
				subtitle = append(subtitle, aset)
			}
		}
	}

	lines := []string{"#EXTM3U", fmt.Sprintf("#EXT-X-VERSION:%d", masterPlaylistVersion)}

	const (
		audioGroupID = "audio"
		subsGroupID  = "subs"
	)
	hasAudio, hasSubs := false, false

	for i, aset := range audio {
		rep := firstRepresentation(aset)
		if rep == nil {
			continue
		}
		lang := orDefault(aset.Lang, "und")
		name := fmt.Sprintf("Audio %s (%dk)", strings.ToUpper(lang), rep.Bandwidth/1000)
		isDefault := i == 0
		lines = append(lines, mediaEntry("AUDIO", audioGroupID, name, lang, isDefault, recursiveURI(opts, rep.ID)))
		hasAudio = true
	}

	for _, aset := range subtitle {
		rep := firstRepresentation(aset)
		if rep == nil {
			continue
		}
		lang := orDefault(aset.Lang, "und")
		name := fmt.Sprintf("Sub %s", strings.ToUpper(lang))
		lines = append(lines, mediaEntry("SUBTITLES", subsGroupID, name, lang, false, recursiveURI(opts, rep.ID)))
		hasSubs = true
	}

	for _, aset := range video {
		for _, rep := range aset.Representations {
			parts := []string{fmt.Sprintf("BANDWIDTH=%d", rep.Bandwidth)}
			if rep.Width != "" && rep.Height != "" {
				parts = append(parts, fmt.Sprintf("RESOLUTION=%sx%s", rep.Width, rep.Height))
			}
			if fps := orDefault(rep.FrameRate, ""); fps != "" {
				parts = append(parts, fmt.Sprintf("FRAME-RATE=%s", fps))
			}
			if codecs := orDefault(rep.Codecs, aset.Codecs); codecs != "" {
				parts = append(parts, fmt.Sprintf(`CODECS="%s"`, codecs))
			}
			if hasAudio {
				parts = append(parts, fmt.Sprintf(`AUDIO="%s"`, audioGroupID))
			}
			if hasSubs {
				parts = append(parts, fmt.Sprintf(`SUBTITLES="%s"`, subsGroupID))
			}
			lines = append(lines, "#EXT-X-STREAM-INF:"+strings.Join(parts, ","))
			lines = append(lines, recursiveURI(opts, rep.ID))
		}
	}

	return strings.Join(lines, "\n")
}

func firstRepresentation(aset AdaptationSet) *Representation {
	if len(aset.Representations) == 0 {
		return nil
	}
	return &aset.Representations[0]
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func mediaEntry(kind, groupID, name, lang string, isDefault bool, uri string) string {
	def := "NO"
	if isDefault {
		def = "YES"
	}
	return fmt.Sprintf(
		`#EXT-X-MEDIA:TYPE=%s,GROUP-ID="%s",NAME="%s",LANGUAGE="%s",DEFAULT=%s,AUTOSELECT=YES,URI="%s"`,
		kind, groupID, name, lang, def, uri,
	)
}

// recursiveURI builds the recursive per-rep_id request against this same
// converter's HLS endpoint.
func recursiveURI(opts MasterOptions, repID string) string {
	return fmt.Sprintf("%s?d=%s&format=hls&rep_id=%s%s",
		strings.TrimRight(opts.ProxyBase, "/"),
		url.QueryEscape(opts.OriginalURL),
		url.QueryEscape(repID),
		opts.ExtraParams,
	)
}
