package domain

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// MediaKind selects what the extractor produces for a job.
type MediaKind string

const (
	// MediaAudio downloads the best audio stream and transcodes it.
	MediaAudio MediaKind = "audio"
	// MediaVideo downloads the full media as-is.
	MediaVideo MediaKind = "video"
)

// SourceKind is the closed set of content sources the queue accepts.
type SourceKind string

const (
	SourceYouTube   SourceKind = "youtube"
	SourceInstagram SourceKind = "instagram"
)

// MediaKind returns the download mode used for the source.
func (k SourceKind) MediaKind() MediaKind {
	if k == SourceInstagram {
		return MediaVideo
	}
	return MediaAudio
}

// Classification is the result of matching a URL against the known sources.
type Classification struct {
	Source     SourceKind
	ContentKey string
}

// MediaKind returns the download mode for the classified URL.
func (c Classification) MediaKind() MediaKind {
	return c.Source.MediaKind()
}

const instagramKeyPrefix = "ig_"

var (
	youtubeKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:youtube\.com/watch\?(?:[^#\n]*&)?v=|youtu\.be/)([^&\n?#/]+)`),
		regexp.MustCompile(`youtube\.com/embed/([^&\n?#/]+)`),
		regexp.MustCompile(`youtube\.com/v/([^&\n?#/]+)`),
		regexp.MustCompile(`youtube\.com/shorts/([^&\n?#/]+)`),
	}
	instagramKeyPattern = regexp.MustCompile(`instagram\.com/(?:reels?|p)/([^/?#]+)`)
)

// source is one variant: how to recognise its URLs and derive a content key.
type source struct {
	kind    SourceKind
	matches func(u *url.URL, raw string) bool
	key     func(raw string) string
}

// Instagram is checked first; its rule falls back to a hashed key so it
// never rejects a URL it matched.
var sources = []source{
	{kind: SourceInstagram, matches: isInstagramPost, key: instagramKey},
	{kind: SourceYouTube, matches: isYouTube, key: youtubeKey},
}

// Classify maps a URL to its content source and deduplication key.
func Classify(rawURL string) (Classification, error) {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Classification{}, ErrInvalidURL
	}
	for _, s := range sources {
		if !s.matches(u, raw) {
			continue
		}
		if key := s.key(raw); key != "" {
			return Classification{Source: s.kind, ContentKey: key}, nil
		}
	}
	return Classification{}, ErrInvalidURL
}

func hostIs(u *url.URL, domain string) bool {
	host := strings.ToLower(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func isInstagramPost(u *url.URL, raw string) bool {
	if !hostIs(u, "instagram.com") {
		return false
	}
	return strings.Contains(u.Path, "/reel") || strings.Contains(u.Path, "/p/")
}

func instagramKey(raw string) string {
	if m := instagramKeyPattern.FindStringSubmatch(raw); m != nil {
		return instagramKeyPrefix + m[1]
	}
	sum := md5.Sum([]byte(raw))
	return instagramKeyPrefix + hex.EncodeToString(sum[:])[:12]
}

func isYouTube(u *url.URL, raw string) bool {
	return hostIs(u, "youtube.com") || hostIs(u, "youtu.be")
}

func youtubeKey(raw string) string {
	for _, re := range youtubeKeyPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return ""
}

// MaxTitleLength bounds the title part of derived filenames, in runes.
const MaxTitleLength = 100

// SanitizeTitle strips characters that are unsafe in filenames and truncates
// the result to MaxTitleLength runes.
func SanitizeTitle(title string) string {
	var b strings.Builder
	n := 0
	for _, r := range title {
		if n >= MaxTitleLength {
			break
		}
		if strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// OutputStem returns the extension-less artifact name for a job,
// "{contentKey}_{sanitizedTitle}".
func OutputStem(contentKey, title string) string {
	if title == "" {
		title = unknownTitle
	}
	return contentKey + "_" + SanitizeTitle(title)
}
