// Package cookiejar is the plain-text HTTP cookie jar:
// Set-Cookie parsing per RFC 6265 with two legacy date extensions
// (Google-style dash dates and ANSI-C asctime), domain-suffix validation
// with an acceptParentDomain escape hatch, and a line-oriented persistence
// format.
package cookiejar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"litecore/internal/liteerr"
)

// Cookie is one stored cookie.
type Cookie struct {
	Name     string
	Value    string
	Domain   string // always lowercase, no leading dot
	Path     string
	Expires  time.Time // zero = session cookie
	Secure   bool
	HTTPOnly bool
}

// Jar is a thread-safe cookie store.
type Jar struct {
	mu      sync.Mutex
	cookies []Cookie
	now     func() time.Time // swappable for tests
}

// New returns an empty jar.
func New() *Jar {
	return &Jar{now: time.Now}
}

// cookieDateLayouts: RFC 1123, the Google-style dash-date variant, and
// ANSI-C asctime, tried in that order.
var cookieDateLayouts = []string{
	time.RFC1123,
	"Mon, 02-Jan-2006 15:04:05 MST",
	"Mon, 02-Jan-06 15:04:05 MST",
	time.ANSIC,
}

func parseCookieDate(s string) (time.Time, bool) {
	for _, layout := range cookieDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SetCookie parses one Set-Cookie header value received from sourceHost and
// stores the result. Cookies whose Domain attribute is not a suffix of the
// source host are rejected, unless acceptParentDomain is set and the source
// host is itself a suffix of the domain.
func (j *Jar) SetCookie(sourceHost, header string, acceptParentDomain bool) error {
	c, err := parseSetCookie(header, j.now())
	if err != nil {
		return err
	}
	host := strings.ToLower(stripPort(sourceHost))
	if c.Domain == "" {
		c.Domain = host
	} else if !domainMatch(host, c.Domain) {
		if !(acceptParentDomain && domainMatch(c.Domain, host)) {
			return liteerr.New(liteerr.InvalidParameter,
				"cookie domain %q is not valid for host %q", c.Domain, host)
		}
	}
	if c.Path == "" {
		c.Path = "/"
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.cookies {
		if j.cookies[i].Name == c.Name && j.cookies[i].Domain == c.Domain && j.cookies[i].Path == c.Path {
			j.cookies[i] = c
			return nil
		}
	}
	j.cookies = append(j.cookies, c)
	return nil
}

// domainMatch reports whether host falls under domain (equal to it, or a
// dot-separated suffix of it).
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

func parseSetCookie(header string, now time.Time) (Cookie, error) {
	parts := strings.Split(header, ";")
	nameValue := strings.TrimSpace(parts[0])
	eq := strings.IndexByte(nameValue, '=')
	if eq <= 0 {
		return Cookie{}, liteerr.New(liteerr.InvalidParameter, "malformed Set-Cookie %q", header)
	}
	c := Cookie{
		Name:  strings.TrimSpace(nameValue[:eq]),
		Value: strings.TrimSpace(nameValue[eq+1:]),
	}

	hasMaxAge := false
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		key, val := attr, ""
		if i := strings.IndexByte(attr, '='); i >= 0 {
			key, val = attr[:i], strings.TrimSpace(attr[i+1:])
		}
		switch strings.ToLower(key) {
		case "domain":
			c.Domain = strings.ToLower(strings.TrimPrefix(val, "."))
		case "path":
			c.Path = val
		case "expires":
			if t, ok := parseCookieDate(val); ok && !hasMaxAge {
				c.Expires = t
			}
		case "max-age":
			if secs, err := strconv.Atoi(val); err == nil {
				// Max-Age wins over Expires per RFC 6265 §4.1.2.2.
				c.Expires = now.Add(time.Duration(secs) * time.Second)
				hasMaxAge = true
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HTTPOnly = true
		}
	}
	return c, nil
}

// CookiesFor returns the Cookie header value for a request to host+path
// over a secure or insecure channel. Expired cookies are dropped.
func (j *Jar) CookiesFor(host, path string, secure bool) string {
	host = strings.ToLower(stripPort(host))
	if path == "" {
		path = "/"
	}
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()
	j.expireLocked(now)

	var matched []Cookie
	for _, c := range j.cookies {
		if !domainMatch(host, c.Domain) {
			continue
		}
		if c.Secure && !secure {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		matched = append(matched, c)
	}
	// Longest path first, per RFC 6265 §5.4.
	sort.SliceStable(matched, func(i, k int) bool {
		return len(matched[i].Path) > len(matched[k].Path)
	})
	parts := make([]string, len(matched))
	for i, c := range matched {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if strings.HasPrefix(reqPath, cookiePath) {
		return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
	}
	return false
}

func (j *Jar) expireLocked(now time.Time) {
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		kept = append(kept, c)
	}
	j.cookies = kept
}

// Len reports the number of live cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.expireLocked(j.now())
	return len(j.cookies)
}

// ─── plain-text persistence ─────────────────────────────────────────────

// Marshal serializes the jar, one cookie per tab-separated line.
func (j *Jar) Marshal() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	var b strings.Builder
	for _, c := range j.cookies {
		expires := int64(0)
		if !c.Expires.IsZero() {
			expires = c.Expires.Unix()
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%t\t%t\n",
			c.Domain, c.Path, c.Name, c.Value, expires, c.Secure, c.HTTPOnly)
	}
	return []byte(b.String())
}

// Unmarshal replaces the jar's contents from Marshal output.
func (j *Jar) Unmarshal(data []byte) error {
	var cookies []Cookie
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return liteerr.New(liteerr.Corrupt, "malformed cookie line %q", line)
		}
		unix, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return liteerr.Wrap(liteerr.Corrupt, err, "cookie expiry in %q", line)
		}
		c := Cookie{
			Domain: fields[0], Path: fields[1], Name: fields[2], Value: fields[3],
			Secure: fields[5] == "true", HTTPOnly: fields[6] == "true",
		}
		if unix != 0 {
			c.Expires = time.Unix(unix, 0)
		}
		cookies = append(cookies, c)
	}
	j.mu.Lock()
	j.cookies = cookies
	j.mu.Unlock()
	return nil
}
