package mpdconv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenario (b) from spec.md §8.
func TestConvertMaster_ScenarioB_TwoStreamInfLines(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period>
    <AdaptationSet mimeType="video/mp4" contentType="video">
      <Representation id="v1" bandwidth="400000" width="426" height="240"/>
      <Representation id="v2" bandwidth="1500000" width="1280" height="720"/>
    </AdaptationSet>
  </Period>
</MPD>`

	mpd, err := Parse([]byte(raw))
	require.NoError(t, err)

	out := ConvertMaster(mpd, MasterOptions{ProxyBase: "https://p.example", OriginalURL: "https://o.example/m.mpd"})

	streamInfLines := countLinesWithPrefix(out, "#EXT-X-STREAM-INF:")
	assert.Equal(t, 2, streamInfLines)
	assert.Contains(t, out, "BANDWIDTH=400000")
	assert.Contains(t, out, "RESOLUTION=426x240")
	assert.Contains(t, out, "BANDWIDTH=1500000")
	assert.Contains(t, out, "RESOLUTION=1280x720")
}

// scenario (c) from spec.md §8, literal arithmetic.
func TestConvertMedia_ScenarioC_LiveDVRWindowAndHoldBack(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic"
      availabilityStartTime="2024-01-01T00:00:00Z" timeShiftBufferDepth="PT60S">
  <Period>
    <AdaptationSet mimeType="video/mp4" contentType="video">
      <Representation id="v1" bandwidth="1000000">
        <SegmentTemplate timescale="1000" startNumber="1"
            initialization="init-$RepresentationID$.mp4" media="seg-$RepresentationID$-$Number$.m4s">
          <SegmentTimeline>
            <S t="0" d="2000" r="39"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	mpd, err := Parse([]byte(raw))
	require.NoError(t, err)

	out, err := ConvertMedia(mpd, "v1", MediaOptions{
		ProxyBase:   "https://p.example",
		OriginalURL: "https://o.example/path/m.mpd",
	})
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	assert.Equal(t, 27, countLinesWithPrefix(out, "#EXTINF:"))
	assert.Contains(t, lines, "#EXT-X-MEDIA-SEQUENCE:11")
	assert.Contains(t, lines, "#EXT-X-TARGETDURATION:2")
	assert.Contains(t, lines, "#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:20.000000Z")
	assert.NotContains(t, out, "#EXT-X-ENDLIST")
}

func TestConvertMedia_VOD_EndsWithEndlist(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period duration="PT8S">
    <AdaptationSet mimeType="video/mp4" contentType="video">
      <Representation id="v1" bandwidth="1000000">
        <SegmentTemplate timescale="1000" startNumber="1"
            initialization="init.mp4" media="seg-$Number$.m4s">
          <SegmentTimeline>
            <S t="0" d="2000" r="3"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	mpd, err := Parse([]byte(raw))
	require.NoError(t, err)

	out, err := ConvertMedia(mpd, "v1", MediaOptions{ProxyBase: "https://p.example", OriginalURL: "https://o.example/path/m.mpd"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "#EXT-X-ENDLIST"))
	assert.Equal(t, 4, countLinesWithPrefix(out, "#EXTINF:"))
}

func TestConvertMedia_RepresentationNotFound(t *testing.T) {
	mpd, err := Parse([]byte(`<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static"><Period/></MPD>`))
	require.NoError(t, err)

	_, err = ConvertMedia(mpd, "missing", MediaOptions{ProxyBase: "https://p.example", OriginalURL: "https://o.example/m.mpd"})
	assert.ErrorIs(t, err, ErrRepresentationNotFound)
}

func TestExpandTemplate(t *testing.T) {
	num := int64(42)
	got := expandTemplate("seg-$RepresentationID$-$Number%05d$.m4s", templateParams{repID: "v1", number: &num})
	assert.Equal(t, "seg-v1-00042.m4s", got)
}

func TestParseISODuration(t *testing.T) {
	assert.Equal(t, 60.0, parseISODuration("PT60S"))
	assert.Equal(t, 3723.5, parseISODuration("PT1H2M3.5S"))
	assert.Equal(t, 0.0, parseISODuration(""))
}

func countLinesWithPrefix(text, prefix string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}
