package subscription

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"vlyne/internal/logger"
	"vlyne/internal/xray/parser"
)

// Source identifies the feed being refreshed.
type Source struct {
	ID   string
	Name string
	URL  string
}

// UserInfo is the traffic accounting a panel reports. Zero means not sent.
type UserInfo struct {
	Upload   int64
	Download int64
	Total    int64
	Expire   int64 // unix seconds
}

// Result of one refresh.
type Result struct {
	Profiles []*parser.Profile
	// Name is the declared feed name after base64: resolution; empty when the
	// panel sent none.
	Name     string
	UserInfo UserInfo
	// Skipped counts lines that looked like links but failed to parse.
	Skipped int
}

// Fetch downloads src and parses every link in it. Only network failures are
// errors; an empty or unparseable body yields zero profiles.
func Fetch(ctx context.Context, getter Getter, src Source) (*Result, error) {
	resp, err := getter.Get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Name:     ResolveName(resp.Name),
		UserInfo: ParseUserInfo(resp.UserInfo),
	}

	displayName := res.Name
	if displayName == "" {
		displayName = src.Name
	}

	for _, line := range SplitLinks(DecodeBody(resp.Body)) {
		p, err := parser.Parse(line)
		if err != nil {
			res.Skipped++
			logger.Log.Debugf("Dropping subscription line %q: %v", truncate(line, 40), err)
			continue
		}
		p.SubscriptionID = src.ID
		p.SubscriptionName = displayName
		res.Profiles = append(res.Profiles, p)
	}

	logger.Log.Debugf("Subscription %s: %d profiles, %d skipped", src.URL, len(res.Profiles), res.Skipped)
	return res, nil
}

// DecodeBody unwraps a base64 framed feed. A body that is not base64, or that
// decodes to something other than UTF-8 text, is returned as is.
func DecodeBody(body []byte) string {
	raw := string(body)
	if decoded, ok := decodeFramed(raw); ok {
		return decoded
	}
	return raw
}

func decodeFramed(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	decoded, err := parser.DecodeBase64(raw)
	if err != nil || !utf8.ValidString(decoded) {
		return "", false
	}
	return decoded, true
}

// SplitLinks returns the non-blank, non-comment lines of a feed in order,
// without duplicates.
func SplitLinks(text string) []string {
	var links []string
	seen := make(map[string]bool)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		links = append(links, line)
	}
	return links
}

// ParseUserInfo reads "upload=1; download=2; total=3; expire=4". Unknown keys
// and malformed pairs are ignored.
func ParseUserInfo(header string) UserInfo {
	var info UserInfo
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "upload":
			info.Upload = n
		case "download":
			info.Download = n
		case "total":
			info.Total = n
		case "expire":
			info.Expire = n
		}
	}
	return info
}

const base64NamePrefix = "base64:"

// ResolveName decodes a "base64:" prefixed name. If the payload does not
// decode the name is kept verbatim.
func ResolveName(name string) string {
	payload, ok := strings.CutPrefix(name, base64NamePrefix)
	if !ok {
		return name
	}
	decoded, err := parser.DecodeBase64(payload)
	if err != nil || !utf8.ValidString(decoded) {
		logger.Log.Debugf("Keeping undecodable subscription name %q", name)
		return name
	}
	return decoded
}

// Encode renders profiles as a subscription feed: one share link per line,
// optionally base64 framed.
func Encode(profiles []*parser.Profile, useBase64 bool) string {
	lines := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if link := p.Link(); link != "" {
			lines = append(lines, link)
		}
	}

	text := strings.Join(lines, "\n")
	if useBase64 {
		return base64.StdEncoding.EncodeToString([]byte(text))
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
