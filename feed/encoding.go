package feed

import (
	"bytes"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// sniffLen is how much of the body is searched for an XML encoding declaration.
const sniffLen = 200

var (
	declaredEncodingPattern = regexp.MustCompile(`(?i)encoding\s*=\s*["']([^"']+)["']`)
	prologEncodingPattern   = regexp.MustCompile(`(?i)(<\?xml[^?]*encoding\s*=\s*)["']([^"']+)["']`)
)

// Normalize converts a fetched body to UTF-8. The charset comes from the
// Content-Type header, then from the XML prolog; without either the bytes are
// taken as UTF-8 with invalid sequences replaced. Undecodable bytes never
// cause an error. Whenever a charset was found the prolog is rewritten to
// declare UTF-8.
func Normalize(contentType string, raw []byte) string {
	label := charsetParam(contentType)
	if label == "" {
		label = declaredEncoding(raw)
	}
	if label == "" {
		return validUTF8(raw)
	}

	if enc, name := charset.Lookup(label); enc != nil && name != "utf-8" {
		decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
		if err == nil {
			return rewriteProlog(strings.ToValidUTF8(string(decoded), "\uFFFD"))
		}
	}
	return rewriteProlog(validUTF8(raw))
}

func validUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), "\uFFFD")
}

func charsetParam(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

func declaredEncoding(raw []byte) string {
	if !bytes.HasPrefix(raw, []byte("<?xml")) {
		return ""
	}
	head := raw[:min(len(raw), sniffLen)]
	m := declaredEncodingPattern.FindSubmatch(head)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// rewriteProlog points the prolog's encoding attribute at UTF-8 so the XML
// parser does not decode the text a second time.
func rewriteProlog(doc string) string {
	loc := prologEncodingPattern.FindStringSubmatchIndex(doc)
	if loc == nil || loc[0] > sniffLen {
		return doc
	}
	if strings.EqualFold(doc[loc[4]:loc[5]], "utf-8") {
		return doc
	}
	return doc[:loc[3]] + `"UTF-8"` + doc[loc[1]:]
}
