package pki

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// SANs holds parsed subjectAltName entries.
type SANs struct {
	DNSNames       []string
	IPAddresses    []net.IP
	URIs           []*url.URL
	EmailAddresses []string
}

// ParseSANs parses entries of the form DNS:x, IP:x, URI:x and EMAIL:x.
func ParseSANs(entries []string) (*SANs, error) {
	sans := &SANs{}
	for _, entry := range entries {
		kind, value, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, errors.Newf("unknown subject alternative name type: %s, supported types are DNS, URI, IP, EMAIL", entry)
		}
		switch kind {
		case "DNS":
			sans.DNSNames = append(sans.DNSNames, value)
		case "IP":
			ip := net.ParseIP(value)
			if ip == nil {
				return nil, errors.Newf("invalid IP subject alternative name %q", value)
			}
			sans.IPAddresses = append(sans.IPAddresses, ip)
		case "URI":
			u, err := url.Parse(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid URI subject alternative name %q", value)
			}
			sans.URIs = append(sans.URIs, u)
		case "EMAIL":
			sans.EmailAddresses = append(sans.EmailAddresses, value)
		default:
			return nil, errors.Newf("unknown subject alternative name type: %s, supported types are DNS, URI, IP, EMAIL", entry)
		}
	}
	return sans, nil
}

// Entries renders the SANs back to their prefixed, sorted form.
func (s *SANs) Entries() []string {
	var out []string
	for _, d := range s.DNSNames {
		out = append(out, "DNS:"+d)
	}
	for _, ip := range s.IPAddresses {
		out = append(out, "IP:"+ip.String())
	}
	for _, u := range s.URIs {
		out = append(out, "URI:"+u.String())
	}
	for _, e := range s.EmailAddresses {
		out = append(out, "EMAIL:"+e)
	}
	sort.Strings(out)
	return out
}

// MergeSANs returns the sorted union of entries.
func MergeSANs(lists ...[]string) []string {
	set := map[string]struct{}{}
	for _, l := range lists {
		for _, e := range l {
			set[e] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
