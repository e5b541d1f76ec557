package ytlive

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const httpOnlyPrefix = "#HttpOnly_"

// LoadCookies reads a Netscape/Mozilla cookies.txt export into a jar. It
// returns the jar and the number of cookies loaded.
func LoadCookies(path string) (http.CookieJar, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, 0, err
	}

	byHost := make(map[string][]*http.Cookie)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		host, cookie, ok, err := parseCookieLine(scanner.Text())
		if err != nil {
			return nil, 0, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if !ok {
			continue
		}
		byHost[host] = append(byHost[host], cookie)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}

	total := 0
	for host, cookies := range byHost {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, cookies)
		total += len(cookies)
	}
	return jar, total, nil
}

func parseCookieLine(line string) (string, *http.Cookie, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	httpOnly := false
	if strings.HasPrefix(line, httpOnlyPrefix) {
		line = strings.TrimPrefix(line, httpOnlyPrefix)
		httpOnly = true
	}
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
		return "", nil, false, nil
	}

	fields := strings.Split(line, "\t")
	if len(fields) < 7 {
		return "", nil, false, fmt.Errorf("expected 7 tab-separated fields, got %d", len(fields))
	}

	domain := strings.TrimSpace(fields[0])
	host := strings.TrimPrefix(domain, ".")
	if host == "" {
		return "", nil, false, fmt.Errorf("empty domain")
	}

	cookie := &http.Cookie{
		Name:     fields[5],
		Value:    strings.Join(fields[6:], "\t"),
		Path:     fields[2],
		Secure:   strings.EqualFold(fields[3], "TRUE"),
		HttpOnly: httpOnly,
	}
	if strings.EqualFold(fields[1], "TRUE") {
		cookie.Domain = host
	}
	if exp, err := strconv.ParseInt(strings.TrimSpace(fields[4]), 10, 64); err == nil && exp > 0 {
		cookie.Expires = time.Unix(exp, 0)
	}
	return host, cookie, true, nil
}
