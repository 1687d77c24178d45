package pages

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"github.com/beebombshell/nowplaying/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(name string, playing, fallback bool) *models.Snapshot {
	return &models.Snapshot{
		Track: models.Track{
			Name:    name,
			Artists: []models.Artist{{Name: "Artist One"}, {Name: "Artist <Two>"}},
			Album:   models.Album{Name: "Album", Images: []models.Image{{URL: "https://i.scdn.co/image/abc"}}},
			URL:     "https://open.spotify.com/track/abc",
		},
		IsPlaying:  playing,
		IsFallback: fallback,
	}
}

// wellFormed checks the SVG parses as XML so image proxies accept it.
func wellFormed(t *testing.T, svg string) {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(svg))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return
		}
		require.NoError(t, err, svg)
	}
}

func TestCardEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPages().Card(&buf, nil, ""))

	out := buf.String()
	assert.Contains(t, out, "Not playing anything")
	assert.Contains(t, out, `width="350"`)
	wellFormed(t, out)
}

func TestCardStatusLabels(t *testing.T) {
	tests := []struct {
		name    string
		snap    *models.Snapshot
		label   string
		color   string
		hasBars bool
	}{
		{"playing", snapshot("Song", true, false), "Currently Playing", "#1DB954", true},
		{"paused", snapshot("Song", false, false), "Paused", "#1DB954", false},
		{"fallback", snapshot("Song", false, true), "Recently Played", "#A7A7A7", false},
	}

	p := NewPages()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, p.Card(&buf, tt.snap, ""))

			out := buf.String()
			assert.Contains(t, out, tt.label)
			assert.Contains(t, out, tt.color)
			assert.Equal(t, tt.hasBars, strings.Contains(out, `class="bar"`))
			assert.Equal(t, !tt.hasBars, strings.Contains(out, `class="pulse"`))
			assert.Contains(t, out, "https://i.scdn.co/image/abc")
			wellFormed(t, out)
		})
	}
}

func TestCardEscapesAndTruncates(t *testing.T) {
	long := strings.Repeat("x", 50)
	var buf bytes.Buffer
	require.NoError(t, NewPages().Card(&buf, snapshot(long, true, false), ""))

	out := buf.String()
	assert.Contains(t, out, strings.Repeat("x", 34)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 35))
	assert.NotContains(t, out, "<Two>")
	wellFormed(t, out)
}

func TestCardInlinesAlbumArt(t *testing.T) {
	p := NewPages()

	var buf bytes.Buffer
	require.NoError(t, p.Card(&buf, snapshot("Song", true, false), "data:image/jpeg;base64,AAAA"))
	assert.Contains(t, buf.String(), `href="data:image/jpeg;base64,AAAA"`)

	buf.Reset()
	require.NoError(t, p.Card(&buf, snapshot("Song", true, false), "data:text/html;base64,AAAA"))
	assert.NotContains(t, buf.String(), "data:text/html")
	assert.Contains(t, buf.String(), "https://i.scdn.co/image/abc")
}

func TestCardCleansTitles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPages(WithCleanTitles(true)).Card(&buf, snapshot("Song - Remastered 2011", true, false), ""))
	assert.NotContains(t, buf.String(), "Remastered")

	buf.Reset()
	require.NoError(t, NewPages().Card(&buf, snapshot("Song - Remastered 2011", true, false), ""))
	assert.Contains(t, buf.String(), "Remastered")
}

func TestWidget(t *testing.T) {
	p := NewPages()

	var buf bytes.Buffer
	require.NoError(t, p.Widget(&buf, nil))
	assert.Contains(t, buf.String(), "Not playing anything")

	buf.Reset()
	require.NoError(t, p.Widget(&buf, snapshot("Song", true, false)))
	out := buf.String()
	assert.Contains(t, out, `href="https://open.spotify.com/track/abc"`)
	assert.Contains(t, out, "Currently Playing")
	assert.Contains(t, out, "audio-bars")
	assert.Contains(t, out, "Artist One, Artist &lt;Two&gt;")
}

func TestExecutePages(t *testing.T) {
	p := NewPages()

	var buf bytes.Buffer
	require.NoError(t, p.Execute("home", &buf, HomeParams{RedirectURI: "http://localhost:8080/callback"}))
	assert.Contains(t, buf.String(), `name="client_secret"`)
	assert.Contains(t, buf.String(), "http://localhost:8080/callback")

	buf.Reset()
	require.NoError(t, p.Execute("dashboard", &buf, DashboardParams{
		NavBar:   NavBar{IsLoggedIn: true, UserID: "u1"},
		ImageURL: "http://localhost:8080/now-playing?uid=u1",
		Markdown: "![Spotify](http://localhost:8080/now-playing?uid=u1)",
	}))
	out := buf.String()
	assert.Contains(t, out, `action="/revoke"`)
	assert.Contains(t, out, "confirm(")
	assert.Contains(t, out, "now-playing?uid=u1")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 35))
	assert.Equal(t, "abcd...", truncate("abcdefgh", 5))
	assert.Equal(t, "ééé...", truncate("éééééé", 4))
}
