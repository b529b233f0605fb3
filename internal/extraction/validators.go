package extraction

import (
	"net"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || !strings.EqualFold(addr.Address, s) {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && ValidDomain(s[at+1:])
}

func ValidDomain(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for _, c := range tld {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

func ValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && !ip.IsUnspecified()
}

func ValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	return ValidDomain(host) || ValidIPv4(host)
}

func ValidHash(s string) bool {
	switch len(s) {
	case 32, 40, 64, 128:
	default:
		return false
	}
	return isHex(s)
}

func ValidCVE(s string) bool {
	parts := strings.Split(strings.ToUpper(s), "-")
	if len(parts) != 3 || parts[0] != "CVE" {
		return false
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || year < 1999 || year > time.Now().Year()+1 {
		return false
	}
	_, err = strconv.Atoi(parts[2])
	return err == nil && len(parts[2]) >= 4
}

func ValidPhone(s string) bool {
	n := len(digitsOnly(s))
	return n >= 10 && n <= 15
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func ValidCryptoAddress(s string) bool {
	switch {
	case strings.HasPrefix(s, "0x"):
		return len(s) == 42 && isHex(s[2:])
	case strings.HasPrefix(s, "bc1"):
		return len(s) == 42 || len(s) == 62
	case strings.HasPrefix(s, "1"), strings.HasPrefix(s, "3"):
		if len(s) < 26 || len(s) > 35 {
			return false
		}
		for _, c := range s {
			if !strings.ContainsRune(base58Alphabet, c) {
				return false
			}
		}
		return true
	}
	return false
}

func isHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

var fileExtensions = map[string]bool{
	"html": true, "htm": true, "php": true, "js": true, "css": true, "png": true,
	"jpg": true, "jpeg": true, "gif": true, "svg": true, "txt": true, "json": true,
	"xml": true, "pdf": true, "zip": true, "exe": true, "py": true, "go": true,
}

// notFileName rejects dotted tokens that end with a common file extension.
func notFileName(s string) bool {
	dot := strings.LastIndexByte(s, '.')
	return dot < 0 || !fileExtensions[strings.ToLower(s[dot+1:])]
}
