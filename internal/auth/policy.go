package auth

import (
	"net/mail"
	"strings"
)

// DomainPolicy admits verified addresses whose domain is on the allow-list.
// An empty list admits nobody.
type DomainPolicy struct {
	domains map[string]struct{}
}

func NewDomainPolicy(domains []string) DomainPolicy {
	p := DomainPolicy{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d != "" {
			p.domains[d] = struct{}{}
		}
	}
	return p
}

// IsAuthorized reports whether email belongs to an allowed domain. Subdomains
// are not implied.
func (p DomainPolicy) IsAuthorized(email string) bool {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return false
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 {
		return false
	}
	_, ok := p.domains[strings.ToLower(addr.Address[at+1:])]
	return ok
}
