package pages

// Helpers to load gohtml templates and render them

import (
	"embed"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/beebombshell/nowplaying/cache"
	"github.com/beebombshell/nowplaying/models"
)

//go:embed templates/* static/*
var Files embed.FS

const (
	cardTitleMax  = 35
	cardArtistMax = 45
)

type Pages struct {
	cache       *cache.TTL[string, *template.Template]
	embedFS     fs.FS
	cleaner     *TitleCleaner
	cleanTitles bool
}

type Option func(*Pages)

// WithCleanTitles strips release noise from titles on the SVG card.
func WithCleanTitles(enabled bool) Option {
	return func(p *Pages) { p.cleanTitles = enabled }
}

func NewPages(opts ...Option) *Pages {
	p := &Pages{
		cache:   cache.NewTTL[string, *template.Template](0),
		embedFS: Files,
		cleaner: NewTitleCleaner(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pages) fragmentPaths() ([]string, error) {
	var fragmentPaths []string
	err := fs.WalkDir(p.embedFS, "templates/fragments", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".gohtml") {
			return nil
		}
		fragmentPaths = append(fragmentPaths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return fragmentPaths, nil
}

func (p *Pages) nameToPath(s string) string {
	return "templates/" + s + ".gohtml"
}

// parse without memoization
func (p *Pages) rawParse(stack ...string) (*template.Template, error) {
	paths, err := p.fragmentPaths()
	if err != nil {
		return nil, err
	}
	for _, s := range stack {
		if path := p.nameToPath(s); !slices.Contains(paths, path) {
			paths = append(paths, path)
		}
	}

	top := stack[len(stack)-1]
	return template.New(top).
		Funcs(p.funcMap()).
		ParseFS(p.embedFS, paths...)
}

func (p *Pages) parse(stack ...string) (*template.Template, error) {
	key := strings.Join(stack, "|")

	if cached, exists := p.cache.Get(key); exists {
		return cached, nil
	}

	result, err := p.rawParse(stack...)
	if err != nil {
		return nil, err
	}

	p.cache.Set(key, result)
	return result, nil
}

func (p *Pages) funcMap() template.FuncMap {
	return template.FuncMap{
		"truncate": truncate,
	}
}

func (p *Pages) parseBase(top string) (*template.Template, error) {
	return p.parse("layouts/base", top)
}

func (p *Pages) Static() http.Handler {
	sub, err := fs.Sub(Files, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

func Cache(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".css") {
			w.Header().Set("Cache-Control", "public, max-age=86400")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}
		h.ServeHTTP(w, r)
	})
}

// Execute renders a full page inside layouts/base.
func (p *Pages) Execute(name string, w io.Writer, params any) error {
	tpl, err := p.parseBase(name)
	if err != nil {
		return err
	}

	return tpl.ExecuteTemplate(w, "layouts/base", params)
}

// Widget renders the embeddable HTML fragment for snap. A nil snap renders
// the "Not playing anything" state.
func (p *Pages) Widget(w io.Writer, snap *models.Snapshot) error {
	tpl, err := p.parse("fragments/widget")
	if err != nil {
		return err
	}
	return tpl.ExecuteTemplate(w, "fragments/widget", p.view(snap, "", false))
}

// Card renders the SVG image for snap. albumArt, when it is an inline
// image data URI, replaces the remote cover URL.
func (p *Pages) Card(w io.Writer, snap *models.Snapshot, albumArt string) error {
	tpl, err := p.parse("fragments/card")
	if err != nil {
		return err
	}
	return tpl.ExecuteTemplate(w, "fragments/card", p.view(snap, albumArt, true))
}

// Shared view/template params

type NavBar struct {
	IsLoggedIn bool
	UserID     string
}

type HomeParams struct {
	NavBar
	SingleTenant bool
	RedirectURI  string
}

type DashboardParams struct {
	NavBar
	DisplayName string
	ImageURL    string
	WidgetURL   string
	Markdown    string
	HTMLSnippet string
	Preview     template.HTML
}

// TrackView is what the widget and card templates see.
type TrackView struct {
	Empty       bool
	Title       string
	Artists     string
	CoverURL    string
	AlbumArt    template.URL
	TrackURL    string
	StatusLabel string
	StatusColor string
	IsPlaying   bool
}

func (p *Pages) view(snap *models.Snapshot, albumArt string, card bool) TrackView {
	if snap == nil || snap.Track.Name == "" {
		return TrackView{Empty: true}
	}

	title := snap.Track.Name
	artists := snap.Track.ArtistNames()
	if card {
		if p.cleanTitles {
			title = p.cleaner.Clean(title)
		}
		title = truncate(title, cardTitleMax)
		artists = truncate(artists, cardArtistMax)
	}

	v := TrackView{
		Title:       title,
		Artists:     artists,
		CoverURL:    snap.Track.CoverURL(),
		TrackURL:    snap.Track.URL,
		StatusLabel: snap.StatusLabel(),
		StatusColor: snap.StatusColor(),
		IsPlaying:   snap.IsPlaying && !snap.IsFallback,
	}
	if strings.HasPrefix(albumArt, "data:image/") {
		// only ever an image we fetched and typed ourselves
		v.AlbumArt = template.URL(albumArt)
	}
	return v
}

// truncate shortens s to n runes, the last of which become "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "..."
}
