// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned when a JID cannot be parsed or constructed.
var (
	ErrEmptyLocalpart    = errors.New("jid: the localpart must be larger than 0 bytes")
	ErrEmptyResourcepart = errors.New("jid: the resourcepart must be larger than 0 bytes")
	ErrInvalidUTF8       = errors.New("jid: JID contains invalid UTF-8")
	ErrForbiddenLocal    = errors.New("jid: localpart contains forbidden characters")
	ErrLongPart          = errors.New("jid: part must be smaller than 1024 bytes")
	ErrDomainLength      = errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	ErrInvalidIPv6       = errors.New("jid: domainpart is not a valid IPv6 address")
)

// JID represents an XMPP address comprising a localpart, domainpart, and
// resourcepart. All parts of a JID are valid UTF-8 in their canonical form.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a new JID from the given string representation.
func Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(localpart, domainpart, resourcepart)
}

// MustParse is like Parse but panics if the JID cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a new JID from the given localpart, domainpart, and
// resourcepart.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}

	// RFC 7622 §3.2.1: A-labels are converted to U-labels during preparation.
	domainpart, err := prepDomain(domainpart)
	if err != nil {
		return JID{}, err
	}

	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
	}
	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
	}

	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}
	return JID{local: localpart, domain: domainpart, resource: resourcepart}, nil
}

func prepDomain(domainpart string) (string, error) {
	if strings.HasPrefix(domainpart, "[") {
		return domainpart, nil
	}
	d, err := idna.ToUnicode(domainpart)
	if err != nil {
		return "", err
	}
	if !utf8.ValidString(d) {
		return "", ErrInvalidUTF8
	}
	return strings.ToLower(d), nil
}

// WithResource returns a copy of the JID with a new resourcepart.
// This elides validation of the localpart and domainpart.
func (j JID) WithResource(resourcepart string) (JID, error) {
	j.resource = ""
	if resourcepart == "" {
		return j, nil
	}
	if !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}
	rp, err := precis.OpaqueString.String(resourcepart)
	if err != nil {
		return JID{}, err
	}
	if len(rp) > 1023 {
		return JID{}, ErrLongPart
	}
	j.resource = rp
	return j, nil
}

// Bare returns a copy of the JID without a resourcepart.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// Domain returns a copy of the JID without a resourcepart or localpart.
func (j JID) Domain() JID {
	return JID{domain: j.domain}
}

// Localpart gets the localpart of a JID (eg "username").
func (j JID) Localpart() string {
	return j.local
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (j JID) Domainpart() string {
	return j.domain
}

// Resourcepart gets the resourcepart of a JID.
func (j JID) Resourcepart() string {
	return j.resource
}

// IsZero reports whether j is the empty JID.
func (j JID) IsZero() bool {
	return j == JID{}
}

// Equal performs an octet-for-octet comparison with the given JID.
func (j JID) Equal(j2 JID) bool {
	return j == j2
}

// Network satisfies the net.Addr interface by returning the name of the network
// ("xmpp").
func (JID) Network() string {
	return "xmpp"
}

// String converts a JID to its string representation.
func (j JID) String() string {
	s := j.domain
	if j.local != "" {
		s = j.local + "@" + s
	}
	if j.resource != "" {
		s = s + "/" + j.resource
	}
	return s
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface and marshals the JID
// as an XML attribute.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface and unmarshals
// an XML attribute into a valid JID (or returns an error).
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: separators are matched before any transformation.
	if sep := strings.Index(s, "/"); sep != -1 {
		if sep == len(s)-1 {
			return "", "", "", ErrEmptyResourcepart
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.Index(s, "@"); sep {
	case -1:
		domainpart = s
	case 0:
		return "", "", "", ErrEmptyLocalpart
	default:
		domainpart = s[sep+1:]
		localpart = s[:sep]
	}

	// A trailing label separator is stripped before any other canonicalization.
	domainpart = strings.TrimSuffix(domainpart, ".")
	return localpart, domainpart, resourcepart, nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 || len(resourcepart) > 1023 {
		return ErrLongPart
	}

	// RFC 7622 §3.3.1 characters that the UsernameCaseMapped profile allows but
	// localparts still may not contain.
	if strings.ContainsAny(localpart, `"&'/:<>@`) {
		return ErrForbiddenLocal
	}

	if l := len(domainpart); l < 1 || l > 1023 {
		return ErrDomainLength
	}

	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") && strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return ErrInvalidIPv6
		}
	}
	return nil
}
