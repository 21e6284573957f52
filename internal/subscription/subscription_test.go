package subscription

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vlyne/internal/xray/parser"
)

const (
	vlessLink = "vless://uuid@1.2.3.4:443?security=tls&type=ws&path=%2Fws&sni=example.com#My%20Server"
	// {"add":"m.example","port":443,"id":"uid"}
	vmessLink = "vmess://eyJhZGQiOiJtLmV4YW1wbGUiLCJwb3J0Ijo0NDMsImlkIjoidWlkIn0="
)

type fakeGetter struct {
	resp *Response
	err  error
	got  string
}

func (f *fakeGetter) Get(_ context.Context, url string) (*Response, error) {
	f.got = url
	return f.resp, f.err
}

func TestFetchBase64Body(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte(vlessLink + "\n# comment\n\n" + vmessLink + "\n"))
	g := &fakeGetter{resp: &Response{Body: []byte(body)}}

	res, err := Fetch(context.Background(), g, Source{ID: "sub-1", Name: "Mine", URL: "https://panel.example/sub"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if g.got != "https://panel.example/sub" {
		t.Errorf("fetched %q", g.got)
	}
	if len(res.Profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(res.Profiles))
	}
	if res.Profiles[0].Protocol != parser.VLESS || res.Profiles[1].Protocol != parser.VMess {
		t.Errorf("protocols = %s, %s", res.Profiles[0].Protocol, res.Profiles[1].Protocol)
	}
	for _, p := range res.Profiles {
		if p.SubscriptionID != "sub-1" || p.SubscriptionName != "Mine" {
			t.Errorf("profile %q linkage = %q/%q", p.Name, p.SubscriptionID, p.SubscriptionName)
		}
	}
}

func TestFetchPlainBodyAndPartialSuccess(t *testing.T) {
	body := strings.Join([]string{
		"  " + vlessLink + "  ",
		"http://not-a-proxy",
		"vless://broken",
		"",
		vmessLink,
	}, "\r\n")
	g := &fakeGetter{resp: &Response{
		Body:     []byte(body),
		Name:     "base64:" + base64.StdEncoding.EncodeToString([]byte("Провайдер")),
		UserInfo: "upload=1; download=2; total=30; expire=1700000000",
	}}

	res, err := Fetch(context.Background(), g, Source{ID: "s", Name: "fallback"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Profiles) != 2 || res.Skipped != 2 {
		t.Fatalf("profiles=%d skipped=%d", len(res.Profiles), res.Skipped)
	}
	if res.Name != "Провайдер" {
		t.Errorf("name = %q", res.Name)
	}
	if res.Profiles[0].SubscriptionName != "Провайдер" {
		t.Errorf("profile stamped with %q", res.Profiles[0].SubscriptionName)
	}
	want := UserInfo{Upload: 1, Download: 2, Total: 30, Expire: 1700000000}
	if res.UserInfo != want {
		t.Errorf("userinfo = %+v", res.UserInfo)
	}
}

func TestFetchEmptyBody(t *testing.T) {
	g := &fakeGetter{resp: &Response{Body: []byte("   \n")}}
	res, err := Fetch(context.Background(), g, Source{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Profiles) != 0 {
		t.Errorf("got %d profiles", len(res.Profiles))
	}
}

func TestFetchPropagatesNetworkError(t *testing.T) {
	g := &fakeGetter{err: ErrFetch}
	if _, err := Fetch(context.Background(), g, Source{}); !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain", vlessLink, vlessLink},
		{"base64", base64.StdEncoding.EncodeToString([]byte("a\nb")), "a\nb"},
		{"wrapped base64", "YQpi\nYw==\n", "a\nbc"},
		{"binary after decode", base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd}), base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd})},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeBody([]byte(tt.body)); got != tt.want {
				t.Errorf("DecodeBody(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestSplitLinks(t *testing.T) {
	got := SplitLinks("a\n\n# note\n  b  \r\na\n#c\n")
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("SplitLinks = %q", got)
	}
}

func TestSplitLinksLongLine(t *testing.T) {
	long := "vless://" + strings.Repeat("x", 2<<20)
	got := SplitLinks(long + "\n" + vlessLink + "\n")
	if len(got) != 2 || got[1] != vlessLink {
		t.Fatalf("got %d links, want the oversized line and the link after it", len(got))
	}
}

func TestParseUserInfo(t *testing.T) {
	tests := []struct {
		header string
		want   UserInfo
	}{
		{"", UserInfo{}},
		{"upload=10;download=20;total=100;expire=5", UserInfo{10, 20, 100, 5}},
		{"Upload = 7 ; junk ; total=abc; expire=", UserInfo{Upload: 7}},
	}
	for _, tt := range tests {
		if got := ParseUserInfo(tt.header); got != tt.want {
			t.Errorf("ParseUserInfo(%q) = %+v, want %+v", tt.header, got, tt.want)
		}
	}
}

func TestResolveName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Plain", "Plain"},
		{"", ""},
		{"base64:" + base64.StdEncoding.EncodeToString([]byte("My Feed")), "My Feed"},
		{"base64:%%%", "base64:%%%"},
	}
	for _, tt := range tests {
		if got := ResolveName(tt.in); got != tt.want {
			t.Errorf("ResolveName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncode(t *testing.T) {
	a, _ := parser.Parse(vlessLink)
	b, _ := parser.Parse(vmessLink)

	plain := Encode([]*parser.Profile{a, b}, false)
	if plain != vlessLink+"\n"+vmessLink {
		t.Errorf("plain = %q", plain)
	}

	encoded := Encode([]*parser.Profile{a, b}, true)
	if DecodeBody([]byte(encoded)) != plain {
		t.Errorf("base64 payload does not decode back to the links")
	}
}

func TestHTTPGetter(t *testing.T) {
	var gotUA string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''My%20Feed")
		w.Header().Set("Subscription-Userinfo", "upload=1; download=2")
		_, _ = w.Write([]byte(vlessLink))
	}))
	defer srv.Close()

	g := &HTTPGetter{Timeout: 5 * time.Second, UserAgent: "vlyne-test"}
	resp, err := g.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotUA != "vlyne-test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if resp.Name != "My Feed" || resp.UserInfo != "upload=1; download=2" || string(resp.Body) != vlessLink {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHTTPGetterStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := (&HTTPGetter{}).Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
}

func TestDeclaredName(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"quoted filename", map[string]string{"Content-Disposition": `attachment; filename="feed.txt"`}, "feed.txt"},
		{"rfc2231", map[string]string{"Content-Disposition": "attachment; filename*=UTF-8''%E2%9C%93%20ok"}, "✓ ok"},
		{"lenient", map[string]string{"Content-Disposition": "attachment;filename=My%20Sub"}, "My Sub"},
		{"profile-title", map[string]string{"Profile-Title": "base64:Zm9v"}, "base64:Zm9v"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			if got := declaredName(h); got != tt.want {
				t.Errorf("declaredName = %q, want %q", got, tt.want)
			}
		})
	}
}
