package population

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// Alphabets used for template parameters.
const (
	Alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	Digits       = "0123456789"
)

// GenerateRandomString returns length characters drawn uniformly from
// alphabet. It returns "" for an empty alphabet or non-positive length.
func GenerateRandomString(alphabet string, length int) string {
	if alphabet == "" || length <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		sb.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return sb.String()
}

// ParamSpec describes how a template placeholder is filled.
type ParamSpec struct {
	Alphabet string
	Length   int
}

// DefaultParams are the placeholder specs for DefaultTemplates.
var DefaultParams = map[string]ParamSpec{
	"query":      {Alphanumeric, 10},
	"videoId":    {Alphanumeric, 11},
	"productId":  {Alphanumeric, 10},
	"user":       {Alphanumeric, 8},
	"repo":       {Alphanumeric, 12},
	"questionId": {Digits, 8},
	"subreddit":  {Alphanumeric, 8},
	"postId":     {Alphanumeric, 6},
	"article":    {Alphanumeric, 15},
	"author":     {Alphanumeric, 10},
	"profile":    {Alphanumeric, 12},
	"tweetId":    {Digits, 19},
}

// DefaultTemplates is the catalog of destination URL shapes.
var DefaultTemplates = []string{
	"https://www.google.com/search?q={query}",
	"https://www.youtube.com/watch?v={videoId}",
	"https://www.amazon.com/dp/{productId}",
	"https://www.github.com/{user}/{repo}",
	"https://www.stackoverflow.com/questions/{questionId}",
	"https://www.reddit.com/r/{subreddit}/comments/{postId}",
	"https://www.wikipedia.org/wiki/{article}",
	"https://www.medium.com/@{author}/{article}",
	"https://www.linkedin.com/in/{profile}",
	"https://www.twitter.com/{user}/status/{tweetId}",
}

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// URLFactory renders random destination URLs from a template catalog.
type URLFactory struct {
	Templates []string
	Params    map[string]ParamSpec
}

// NewURLFactory returns a factory over the default catalog.
func NewURLFactory() *URLFactory {
	return &URLFactory{Templates: DefaultTemplates, Params: DefaultParams}
}

// Next picks a template at random and fills it.
func (f *URLFactory) Next() string {
	if len(f.Templates) == 0 {
		return ""
	}
	return f.Render(f.Templates[rand.IntN(len(f.Templates))])
}

// Render fills every placeholder in tmpl. A placeholder that appears more
// than once receives the same value; unknown placeholders become "default".
func (f *URLFactory) Render(tmpl string) string {
	values := make(map[string]string)
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := values[name]; ok {
			return v
		}
		spec, ok := f.Params[name]
		v := "default"
		if ok {
			v = GenerateRandomString(spec.Alphabet, spec.Length)
		}
		values[name] = v
		return v
	})
}
